// SPDX-License-Identifier: MIT
package torconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apimgr/torctl/src/torerr"
)

// Kind identifies one of Tor's control-protocol configuration value types.
// Each carries its own validator, used both when a caller stages a scalar
// value and per-element when staging a list-valued one.
type Kind int

const (
	KindBoolean Kind = iota
	KindBooleanAuto
	KindInteger
	KindSignedInteger
	KindPort
	KindTimeInterval
	KindTimeMsecInterval
	KindDataSize
	KindFloat
	KindTime
	KindCommaList
	KindTimeIntervalCommaList
	KindRouterList
	KindString
	KindFilename
	KindLineList
)

func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "Boolean"
	case KindBooleanAuto:
		return "Boolean_Auto"
	case KindInteger:
		return "Integer"
	case KindSignedInteger:
		return "SignedInteger"
	case KindPort:
		return "Port"
	case KindTimeInterval:
		return "TimeInterval"
	case KindTimeMsecInterval:
		return "TimeMsecInterval"
	case KindDataSize:
		return "DataSize"
	case KindFloat:
		return "Float"
	case KindTime:
		return "Time"
	case KindCommaList:
		return "CommaList"
	case KindTimeIntervalCommaList:
		return "TimeIntervalCommaList"
	case KindRouterList:
		return "RouterList"
	case KindString:
		return "String"
	case KindFilename:
		return "Filename"
	case KindLineList:
		return "LineList"
	default:
		return "Unknown"
	}
}

// IsListKind reports whether values of this kind are list-valued, mirroring
// txtorcon's is_list_config_type: true exactly for the four "*List" kinds.
func (k Kind) IsListKind() bool {
	switch k {
	case KindCommaList, KindTimeIntervalCommaList, KindRouterList, KindLineList:
		return true
	default:
		return false
	}
}

var wireKindByName = map[string]Kind{
	"Boolean":               KindBoolean,
	"Boolean_Auto":          KindBooleanAuto,
	"Integer":               KindInteger,
	"SignedInteger":         KindSignedInteger,
	"Port":                  KindPort,
	"TimeInterval":          KindTimeInterval,
	"TimeMsecInterval":      KindTimeMsecInterval,
	"DataSize":              KindDataSize,
	"Float":                 KindFloat,
	"Time":                  KindTime,
	"CommaList":             KindCommaList,
	"TimeIntervalCommaList": KindTimeIntervalCommaList,
	"RouterList":            KindRouterList,
	"String":                KindString,
	"Filename":              KindFilename,
	"LineList":              KindLineList,
}

// KindFromWireToken maps a GETINFO config/names type token to a Kind,
// normalizing the "Boolean+Auto" spelling to "Boolean_Auto" first.
func KindFromWireToken(token string) (Kind, bool) {
	k, ok := wireKindByName[strings.ReplaceAll(token, "+", "_")]
	return k, ok
}

// wellKnownOptions seeds Kind knowledge for options commonly staged before a
// daemon is ever attached (detached-mode torrc construction, §4.2). An
// attached TorConfig overwrites these with whatever the daemon itself
// reports via config/names.
var wellKnownOptions = map[string]Kind{
	"SOCKSPort":                KindPort,
	"ControlPort":              KindPort,
	"ORPort":                   KindPort,
	"DirPort":                  KindPort,
	"DataDirectory":            KindFilename,
	"User":                     KindString,
	"Nickname":                 KindString,
	"CookieAuthentication":     KindBoolean,
	"__OwningControllerProcess": KindString,
	"__LeaveStreamsUnattached": KindBoolean,
	"SafeSocks":                KindBoolean,
	"ClientOnly":               KindBoolean,
	"ExitNodes":                KindRouterList,
	"EntryNodes":               KindRouterList,
	"ExcludeNodes":             KindRouterList,
	"Log":                      KindLineList,
	"HiddenServiceDirGroupReadable": KindBoolean,
}

var listWellKnownOptions = map[string]bool{
	"SOCKSPort": true,
}

// Validate parses and canonicalizes raw per this kind's rules, grounded on
// txtorcon.torconfig's TorConfigType subclasses. Time and TimeMsecInterval
// are intentionally pass-through: the original never overrides parse/validate
// for them.
func (k Kind) Validate(raw string) (string, error) {
	switch k {
	case KindBoolean:
		return validateBoolean(raw)
	case KindBooleanAuto:
		return validateBooleanAuto(raw)
	case KindInteger, KindSignedInteger, KindPort, KindTimeInterval, KindDataSize:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return "", fmt.Errorf("%w: %q is not an integer", torerr.ErrInvalidArgument, raw)
		}
		return strconv.Itoa(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not a float", torerr.ErrInvalidArgument, raw)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case KindTimeMsecInterval, KindTime, KindString, KindFilename,
		KindCommaList, KindTimeIntervalCommaList, KindRouterList, KindLineList:
		return raw, nil
	default:
		return "", fmt.Errorf("%w: no parser for kind %s", torerr.ErrProtocolViolation, k)
	}
}

func validateBoolean(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return "1", nil
	case "0", "false", "no":
		return "0", nil
	default:
		return "", fmt.Errorf("%w: %q is not a boolean", torerr.ErrInvalidArgument, raw)
	}
}

// validateBooleanAuto canonicalizes the tri-state as {-1 = auto, 0 = false,
// 1 = true}, accepting the literal word "auto" as an alias for -1 and any
// negative integer as auto, since Tor itself treats all of those the same
// way on the wire.
func validateBooleanAuto(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "auto" {
		return "-1", nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not auto/0/1", torerr.ErrInvalidArgument, raw)
	}
	switch {
	case n < 0:
		return "-1", nil
	case n == 0:
		return "0", nil
	default:
		return "1", nil
	}
}
