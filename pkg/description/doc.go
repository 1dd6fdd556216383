// Package description fetches UPnP device descriptions and extracts their
// eventable services.
//
// The Fetcher owns a Guard over locations that are either being fetched or
// back an active device. A location that is already guarded is never
// fetched twice; the guard is released when the fetch fails or when the
// owning device is later torn down.
package description
