// Package miniserver maintains the session with the Loxone Miniserver and
// forwards processed values to its virtual inputs.
//
// The Connector owns a single long-lived session: an encrypted WebSocket
// established through the Loxone crypto handshake (RSA key exchange,
// AES-CBC command encryption, HMAC credential hash, JWT bearer token),
// with 30-second keepalives, token refresh ahead of expiry and capped
// exponential backoff on reconnect. When the WebSocket path is disabled or
// down, values travel over plain HTTP GET requests through a
// semaphore-bounded connection pool.
//
// FetchVirtualInputs retrieves the Miniserver's program archive over FTP
// and extracts the names of its virtual inputs, used to synchronise the
// relay's topic whitelist.
package miniserver
