package syncerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Network (N) Errors
var (
	ErrNTimeout         = errors.New("N1|Timeout: Remote call did not complete in time.")
	ErrNUnavailable     = errors.New("N2|Unavailable: Remote block source is unavailable.")
	ErrNConnectionReset = errors.New("N3|ConnectionReset: Connection to the remote block source was reset.")
)

// Protocol (P) Errors
var (
	ErrPMalformedBlock     = errors.New("P1|MalformedBlock: Remote returned a block that could not be decoded.")
	ErrPShortRange         = errors.New("P2|ShortRange: Remote returned fewer blocks than requested.")
	ErrPChainDiscontinuity = errors.New("P3|ChainDiscontinuity: Fetched blocks do not form a hash chain.")
	ErrPRejected           = errors.New("P4|Rejected: Remote rejected the request.")
)

// Storage (S) Errors
var (
	ErrSWriteFailed  = errors.New("S1|WriteFailed: Durable write did not commit.")
	ErrSCorruption   = errors.New("S2|Corruption: Storage integrity check failed.")
	ErrSNoCheckpoint = errors.New("S3|NoCheckpoint: No checkpoint available to recover from.")
	ErrSNotFound     = errors.New("S4|NotFound: Record does not exist.")
)

// Frontier (F) Errors
var (
	ErrFTreeFull           = errors.New("F1|TreeFull: Commitment tree has no free leaf positions.")
	ErrFUnsupportedVersion = errors.New("F2|UnsupportedVersion: Serialized frontier uses an unsupported version.")
	ErrFMalformed          = errors.New("F3|Malformed: Serialized frontier bytes are malformed.")
	ErrFNotMarked          = errors.New("F4|NotMarked: Position was never marked for witnessing.")
	ErrFUnknownCheckpoint  = errors.New("F5|UnknownCheckpoint: Checkpoint is not retained by the tree.")
	ErrFEmptyTree          = errors.New("F6|EmptyTree: Operation requires at least one leaf.")
)

// Sync (Y) Errors
var (
	ErrYCancelled          = errors.New("Y1|Cancelled: Sync was cancelled at a batch boundary.")
	ErrYReorgUnrecoverable = errors.New("Y2|ReorgUnrecoverable: No checkpoint at or below the divergence height.")
	ErrYPositionMismatch   = errors.New("Y3|PositionMismatch: Commitment position does not match the decrypted candidate.")
	ErrYAlreadyRunning     = errors.New("Y4|AlreadyRunning: Sync engine is already running.")
	ErrYInvalidConfig      = errors.New("Y5|InvalidConfig: Sync configuration is invalid.")
)

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	if len(parts) < 2 {
		return errStr
	}
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// Kind classifies an error for the retry and recovery policy.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNetwork
	KindConnection
	KindStatus
	KindProtocol
	KindStorage
	KindCancelled
	KindCorruption
	KindSerialization
	KindUnsupportedVersion
	KindTreeFull
	KindReorg
	KindConfig
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindNetwork:            "network",
	KindConnection:         "connection",
	KindStatus:             "status",
	KindProtocol:           "protocol",
	KindStorage:            "storage",
	KindCancelled:          "cancelled",
	KindCorruption:         "corruption",
	KindSerialization:      "serialization",
	KindUnsupportedVersion: "unsupported_version",
	KindTreeFull:           "tree_full",
	KindReorg:              "reorg",
	KindConfig:             "config",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified error with the sync position it happened at.
type Error struct {
	Kind   Kind
	Height uint64
	Stage  string
	// Transient marks Status errors the remote may recover from.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Height > 0 {
		fmt.Fprintf(&b, " at height %d", e.Height)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf formats a new classified error.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// At attaches the height and stage, keeping an existing classification.
func At(err error, height uint64, stage string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		cp := *se
		if cp.Height == 0 {
			cp.Height = height
		}
		if cp.Stage == "" {
			cp.Stage = stage
		}
		return &cp
	}
	return &Error{Kind: KindOf(err), Height: height, Stage: stage, Err: err}
}

// KindOf reports the classification of err. Unclassified errors are
// matched against the sentinel families.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrYCancelled):
		return KindCancelled
	case errors.Is(err, ErrFTreeFull):
		return KindTreeFull
	case errors.Is(err, ErrFUnsupportedVersion):
		return KindUnsupportedVersion
	case errors.Is(err, ErrFMalformed):
		return KindSerialization
	case errors.Is(err, ErrSCorruption):
		return KindCorruption
	case errors.Is(err, ErrNTimeout), errors.Is(err, ErrNUnavailable):
		return KindNetwork
	case errors.Is(err, ErrNConnectionReset):
		return KindConnection
	case errors.Is(err, ErrYReorgUnrecoverable):
		return KindReorg
	case errors.Is(err, ErrYInvalidConfig):
		return KindConfig
	}
	for _, sentinel := range []error{ErrPMalformedBlock, ErrPShortRange, ErrPChainDiscontinuity, ErrPRejected} {
		if errors.Is(err, sentinel) {
			return KindProtocol
		}
	}
	for _, sentinel := range []error{ErrSWriteFailed, ErrSNoCheckpoint, ErrSNotFound} {
		if errors.Is(err, sentinel) {
			return KindStorage
		}
	}
	return KindUnknown
}

// Retryable reports whether the failed operation may be retried without
// touching durable state.
func Retryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		switch se.Kind {
		case KindNetwork, KindConnection:
			return true
		case KindStatus:
			return se.Transient
		}
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindConnection:
		return true
	}
	return false
}

// IsFatal reports whether the session must stop on err.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindCancelled:
		return false
	case KindCorruption:
		// Recoverable through automatic rollback.
		return false
	}
	return !Retryable(err)
}
