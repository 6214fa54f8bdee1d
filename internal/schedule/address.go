package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/lalithlochan/followup/internal/db"
)

var (
	// ErrPastFireTime is returned when the computed fire time is not strictly
	// in the future. No record is created.
	ErrPastFireTime = errors.New("fire time is not in the future")

	// ErrInvalidAddress is returned when the payload lacks a usable address for
	// the channel.
	ErrInvalidAddress = errors.New("invalid address for channel")

	// ErrUnknownChannel is returned for channels the scheduler does not serve.
	ErrUnknownChannel = errors.New("unknown channel")
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// NormalizePhone strips common formatting characters from a phone number.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}

// Recipient validates the payload's address for channel and returns it in
// normalized form.
func Recipient(channel db.Channel, p db.Payload) (string, error) {
	switch channel {
	case db.ChannelCall, db.ChannelWhatsApp:
		phone := NormalizePhone(p.Phone)
		if !phonePattern.MatchString(phone) {
			return "", fmt.Errorf("%w: phone %q", ErrInvalidAddress, p.Phone)
		}
		return phone, nil
	case db.ChannelEmail:
		addr, err := mail.ParseAddress(strings.TrimSpace(p.Email))
		if err != nil {
			return "", fmt.Errorf("%w: email %q", ErrInvalidAddress, p.Email)
		}
		return strings.ToLower(addr.Address), nil
	case db.ChannelAlert:
		target := strings.TrimSpace(p.AlertTarget)
		if target == "" {
			return "", fmt.Errorf("%w: empty alert target", ErrInvalidAddress)
		}
		return target, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
}

// DecodePayload parses a stored task payload.
func DecodePayload(raw json.RawMessage) (db.Payload, error) {
	var p db.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return db.Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
