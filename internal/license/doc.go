// Package license implements the ScanMaster license subsystem: key parsing
// and signature verification, encrypted on-disk persistence, online
// activation against the verification server with graceful offline
// fallback, and a manually relayed offline activation protocol.
//
// # Key Format
//
// A license key is a hyphen delimited string of exactly six fields after a
// fixed two letter product prefix:
//
//	SM-FAC-ACME-ABC123-AMSASTM-LIFETIME-7D2E91A0B4C3
//	   |   |    |      |       |        |
//	   tag name issue  standards expiry  signature
//
// The first three fields together form the factory ID. The standards field
// is a concatenation of catalog short codes with no delimiter, decoded by
// substring match against the built-in catalog. The expiry field is either
// the literal LIFETIME marker or an 8 digit YYYYMMDD date. The signature is
// a truncated HMAC over "factoryId:standardsToken:expiryToken" keyed with
// the shared product secret.
//
// # Activation Flow
//
// Online activation parses the key, then makes a single bounded-time call
// to the verification server. An explicit rejection aborts the activation;
// a network failure or timeout does not, because the signature check has
// already established the key's authenticity. The resulting record is
// encrypted and written to the primary license file plus a backup copy.
//
// Offline activation binds a license to one machine without any network
// access: the user relays a generated request code to a support channel and
// enters the response code they receive back. The response must reproduce a
// prefix derived from the machine fingerprint and the key's factory ID.
//
// # Query Surface
//
// Downstream consumers read license state through Manager's query methods
// (IsActivated, GetLicense, HasStandard, StandardsCatalog). Reads go
// through an in-memory cache that only ever holds a currently valid
// record; expired, corrupted, and not-activated outcomes are never cached,
// so a corrected license is picked up on the next call.
package license
