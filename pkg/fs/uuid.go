package fs

import (
	"fmt"
	"regexp"
	"strings"

	guuid "github.com/google/uuid"
)

// UUID directs how a filesystem's identity should be reassigned. The zero
// value means "no directive": backends resolve it to a fresh random
// identity and verify the result actually changed. Which directives a
// backend honors depends on its tooling; a well-formed directive the
// backend cannot express fails with ErrUnsupportedOperation.
type UUID struct {
	kind  uuidKind
	value string
}

type uuidKind int

const (
	uuidAbsent uuidKind = iota
	uuidExplicit
	uuidClear
	uuidRandom
	uuidTime
	uuidGenerate
	uuidNil
)

// NewUUID is an explicit identity. The ext family and XFS expect RFC 4122
// form, NTFS a 16 digit hexadecimal serial.
func NewUUID(value string) UUID { return UUID{kind: uuidExplicit, value: value} }

// ClearUUID erases the identity (ext family and NTFS).
func ClearUUID() UUID { return UUID{kind: uuidClear} }

// RandomUUID requests a fresh random identity.
func RandomUUID() UUID { return UUID{kind: uuidRandom} }

// TimeUUID requests a fresh time-based identity.
func TimeUUID() UUID { return UUID{kind: uuidTime} }

// GenerateUUID lets the tool generate a new identity (XFS only).
func GenerateUUID() UUID { return UUID{kind: uuidGenerate} }

// NilUUID sets the all-zero identity (XFS only).
func NilUUID() UUID { return UUID{kind: uuidNil} }

// ParseUUIDDirective maps a command-line word to a directive. The keywords
// clear, random, time, generate and nil select their directive, the empty
// string means absent, and anything else is an explicit identity validated
// later by the backend it is applied to.
func ParseUUIDDirective(s string) UUID {
	switch strings.ToLower(s) {
	case "":
		return UUID{}
	case "clear":
		return ClearUUID()
	case "random":
		return RandomUUID()
	case "time":
		return TimeUUID()
	case "generate":
		return GenerateUUID()
	case "nil":
		return NilUUID()
	default:
		return NewUUID(s)
	}
}

func (u UUID) String() string {
	switch u.kind {
	case uuidAbsent:
		return "<absent>"
	case uuidExplicit:
		return u.value
	case uuidClear:
		return "clear"
	case uuidRandom:
		return "random"
	case uuidTime:
		return "time"
	case uuidGenerate:
		return "generate"
	case uuidNil:
		return "nil"
	}
	return "<invalid>"
}

// extUUIDArg maps a directive to the tune2fs -U argument.
func extUUIDArg(u UUID) (string, error) {
	switch u.kind {
	case uuidAbsent, uuidRandom:
		return "random", nil
	case uuidTime:
		return "time", nil
	case uuidClear:
		return "clear", nil
	case uuidExplicit:
		if _, err := guuid.Parse(u.value); err != nil {
			return "", fmt.Errorf("uuid %q: %w", u.value, ErrInvalidArgument)
		}
		return u.value, nil
	}
	return "", fmt.Errorf("uuid directive %s: %w", u, ErrUnsupportedOperation)
}

// xfsUUIDArg maps a directive to the xfs_admin -U argument.
func xfsUUIDArg(u UUID) (string, error) {
	switch u.kind {
	case uuidAbsent, uuidGenerate:
		return "generate", nil
	case uuidNil:
		return "nil", nil
	case uuidExplicit:
		if _, err := guuid.Parse(u.value); err != nil {
			return "", fmt.Errorf("uuid %q: %w", u.value, ErrInvalidArgument)
		}
		return u.value, nil
	}
	return "", fmt.Errorf("uuid directive %s: %w", u, ErrUnsupportedOperation)
}

var ntfsSerialPattern = regexp.MustCompile(`^[0-9A-Fa-f]{16}$`)

// ntfsSerial maps a directive to the 16 digit hexadecimal volume serial
// ntfslabel applies. Random and time-based serials are generated in-core
// from the corresponding UUID versions; clearing writes the all-zero
// serial.
func ntfsSerial(u UUID) (string, error) {
	switch u.kind {
	case uuidAbsent, uuidRandom:
		id := guuid.New()
		return fmt.Sprintf("%X", id[:8]), nil
	case uuidTime:
		id, err := guuid.NewUUID()
		if err != nil {
			return "", fmt.Errorf("generating time-based serial: %w", err)
		}
		return fmt.Sprintf("%X", id[:8]), nil
	case uuidClear:
		return strings.Repeat("0", 16), nil
	case uuidExplicit:
		if !ntfsSerialPattern.MatchString(u.value) {
			return "", fmt.Errorf("volume serial %q is not 16 hexadecimal digits: %w", u.value, ErrInvalidArgument)
		}
		return strings.ToUpper(u.value), nil
	}
	return "", fmt.Errorf("uuid directive %s: %w", u, ErrUnsupportedOperation)
}
