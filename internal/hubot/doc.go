// Package hubot is the delivery client: it serializes a message, posts it
// to the bot's notify endpoint, and normalizes every outcome (HTTP error,
// transport failure, serialization failure) into one ResponseData shape.
// Nothing past this boundary ever sees a raw transport error.
package hubot
