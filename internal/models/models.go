// Package models defines the core data structures for ReplyPipe.
//
// It includes flow definitions, per-user execution state, inbound and outbound
// messages and the JSON envelopes shared by the API and the stores.
package models

import (
	"strings"
	"time"
)

// Channel identifies a messaging transport (e.g. "whatsapp", "twilio").
type Channel string

const (
	// ChannelWhatsApp delivers through the whatsmeow client.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelTwilio delivers through the Twilio REST API.
	ChannelTwilio Channel = "twilio"
	// ChannelWebhook delivers by POSTing JSON to a configured URL.
	ChannelWebhook Channel = "webhook"
)

// Normalize lowercases and trims the channel name so comparisons are stable.
func (c Channel) Normalize() Channel {
	return Channel(strings.ToLower(strings.TrimSpace(string(c))))
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery event emitted by a channel service.
type Receipt struct {
	To      string        `json:"to"`
	Channel Channel       `json:"channel"`
	Status  MessageStatus `json:"status"`
	Time    int64         `json:"time"`
}

// InboundMessage is a message received from an end user on some channel.
type InboundMessage struct {
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	Channel   Channel   `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

// Reply is the content a step produces.
type Reply struct {
	Content string `json:"content"`
	Image   string `json:"image,omitempty"`
}

// OutboundReply is a composed reply handed to the dispatcher.
type OutboundReply struct {
	UserID  string  `json:"user_id"`
	Channel Channel `json:"channel"`
	Content string  `json:"content"`
	Image   string  `json:"image,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an inbound message was accepted for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Accepted creates a response for inbound messages handed to the engine.
func Accepted(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
