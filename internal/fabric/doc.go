// Package fabric implements the central manager: the scanner registry,
// advertisement dedup/merge/source-selection core, unavailability tracking,
// and the callback registries external subsystems use to observe
// advertisements, scanner lifecycle, and slot allocation changes.
//
// Every registration returns a Disposer closure (matching
// internal/slot.Manager.OnChange) so a subscriber can independently revoke
// exactly its own callback without affecting any other registration.
package fabric
