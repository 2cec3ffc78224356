// Package message assembles the JSON payload posted to the bot: the text
// and status, the identity recovered from the build's cause chain, an
// environment snapshot, and any expanded macro tokens.
//
// Messages are built fresh per send and discarded; nothing here is reused
// across events.
package message
