// Package session records gateway sessions in Redis. A session ties a
// WebSocket connection to the user it speaks for and mirrors the
// conversation that user has open, so operators can see which gateway
// instance holds which user.
package session
