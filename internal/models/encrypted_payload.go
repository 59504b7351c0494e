package models

import "time"

// EncryptedPayload is the envelope a sensitive field travels in. Data, IV and
// Checksum are base64 encoded. ItemType, TempID, Field and DataType name the
// slot the envelope was sealed for; they are authenticated as additional
// data, so they cannot be edited without failing decryption.
type EncryptedPayload struct {
	Data      string    `json:"data" msgpack:"data"`
	IV        string    `json:"iv" msgpack:"iv"`
	Version   int       `json:"version" msgpack:"version"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Checksum  string    `json:"checksum" msgpack:"checksum"`
	KeyID     string    `json:"key_id" msgpack:"key_id"`
	ItemType  ItemType  `json:"item_type,omitempty" msgpack:"item_type"`
	TempID    string    `json:"temp_id,omitempty" msgpack:"temp_id"`
	Field     string    `json:"field,omitempty" msgpack:"field"`
	DataType  string    `json:"data_type,omitempty" msgpack:"data_type"`
}
