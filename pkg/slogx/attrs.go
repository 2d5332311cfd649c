package slogx

import (
	"log/slog"
)

const (
	// KeyLoggerName is the key for the logger name attribute.
	KeyLoggerName = "logger"
	// KeyTrigger is the key for the trigger (routing key) attribute.
	KeyTrigger = "trigger"
	// KeyQueue is the key for the broker queue attribute.
	KeyQueue = "queue"
	// KeySubscriptionID is the key for the subscription id attribute.
	KeySubscriptionID = "subscription_id"
	// KeyConsumerTag is the key for the broker consumer tag attribute.
	KeyConsumerTag = "consumer_tag"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
// A nil error renders as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Trigger tags a log record with the trigger it concerns.
func Trigger(name string) slog.Attr {
	return slog.String(KeyTrigger, name)
}

// Queue tags a log record with a broker queue name.
func Queue(name string) slog.Attr {
	return slog.String(KeyQueue, name)
}

// SubscriptionID tags a log record with a subscription id.
func SubscriptionID(id uint64) slog.Attr {
	return slog.Uint64(KeySubscriptionID, id)
}

// ConsumerTag tags a log record with a broker consumer tag.
func ConsumerTag(tag string) slog.Attr {
	return slog.String(KeyConsumerTag, tag)
}
