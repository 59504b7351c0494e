// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libmindharbor.so (Android) / mindharbor.framework (iOS)
// with -buildmode=c-shared or c-archive.
//
// Every function returns a JSON envelope {"ok":bool,"data":...,"error":...}
// as a C string that must be released with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"

	"github.com/kimhsiao/mindharbor/backend/internal/bridge"
)

var core = bridge.New()

//export Init
// Init opens the sync engine. config is a JSON object with the keys of the
// YAML config file plus master_key, users and background.
func Init(config *C.char) *C.char {
	return C.CString(core.Init(C.GoString(config)))
}

//export Cleanup
// Cleanup stops the engine and releases the offline store.
func Cleanup() *C.char {
	return C.CString(core.Close())
}

//export GetLastError
// GetLastError returns the message of the last failed call.
func GetLastError() *C.char {
	return C.CString(core.LastError())
}

// =====================================================
// Queue Operations
// =====================================================

//export QueueMoodEntry
func QueueMoodEntry(userID, payload *C.char) *C.char {
	return C.CString(core.QueueMoodEntry(C.GoString(userID), C.GoString(payload)))
}

//export QueueMessage
func QueueMessage(userID, payload *C.char) *C.char {
	return C.CString(core.QueueMessage(C.GoString(userID), C.GoString(payload)))
}

//export QueueCrisisEvent
func QueueCrisisEvent(userID, payload *C.char) *C.char {
	return C.CString(core.QueueCrisisEvent(C.GoString(userID), C.GoString(payload)))
}

//export Enqueue
// Enqueue queues a write of any item type, e.g. "journal_entry".
func Enqueue(userID, itemType, payload *C.char) *C.char {
	return C.CString(core.Enqueue(C.GoString(userID), C.GoString(itemType), C.GoString(payload)))
}

// =====================================================
// Sync Operations
// =====================================================

//export StartSync
// StartSync blocks until the pass ends. Call it off the UI thread.
func StartSync(userID *C.char) *C.char {
	return C.CString(core.StartSync(C.GoString(userID)))
}

//export ResumeSync
func ResumeSync(userID *C.char) *C.char {
	return C.CString(core.ResumeSync(C.GoString(userID)))
}

//export AbortSync
func AbortSync(userID *C.char) *C.char {
	return C.CString(core.AbortSync(C.GoString(userID)))
}

//export HandleConnectionRestored
// HandleConnectionRestored returns immediately; the pass runs in the
// background and reports through PollEvents.
func HandleConnectionRestored(userID *C.char) *C.char {
	return C.CString(core.HandleConnectionRestored(C.GoString(userID)))
}

//export PerformDeltaSync
// PerformDeltaSync pulls remote changes. since is RFC 3339 or empty.
func PerformDeltaSync(userID, since *C.char) *C.char {
	return C.CString(core.PerformDeltaSync(C.GoString(userID), C.GoString(since)))
}

//export PollEvents
func PollEvents() *C.char {
	return C.CString(core.PollEvents())
}

//export GetStatus
func GetStatus() *C.char {
	return C.CString(core.GetStatus())
}

// =====================================================
// Storage and Conflicts
// =====================================================

//export GetStorageInfo
func GetStorageInfo(userID *C.char) *C.char {
	return C.CString(core.GetStorageInfo(C.GoString(userID)))
}

//export CleanupOldOfflineData
func CleanupOldOfflineData(userID *C.char, days int32) *C.char {
	return C.CString(core.CleanupOldOfflineData(C.GoString(userID), int(days)))
}

//export GetConflictHistory
func GetConflictHistory(userID *C.char, limit int32) *C.char {
	return C.CString(core.GetConflictHistory(C.GoString(userID), int(limit)))
}

//export GetPendingConflict
func GetPendingConflict(conflictID *C.char) *C.char {
	return C.CString(core.GetPendingConflict(C.GoString(conflictID)))
}

//export ResolveUserChoice
// ResolveUserChoice settles a conflict with "local", "server" or "merge".
func ResolveUserChoice(conflictID, choice *C.char) *C.char {
	return C.CString(core.ResolveUserChoice(C.GoString(conflictID), C.GoString(choice)))
}

//export GetErrorHistory
func GetErrorHistory() *C.char {
	return C.CString(core.GetErrorHistory())
}

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func main() {}
