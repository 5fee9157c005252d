// Package content fetches module code and registry entries.
//
// Every source implements Downloader: PortalClient talks to storage portals
// over HTTP, Store is a local content-addressed store, Cache keeps portal
// downloads on disk and Chain tries several sources in order. A download
// that no source has fails with ErrNotFound; one that could not be
// completed fails with ErrTransport.
//
// Bytes from a portal are checked against the address before they are
// returned or cached. Local addresses carry a BLAKE3 digest of the object.
// v1 links carry the Merkle root of a sector, and portals prove the range
// they serve. Any other address is refused with ErrIntegrity.
package content
