package util

import (
	"net"
	"regexp"
	"strings"

	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
)

type StringRegexp struct {
	Regexp       *regexp.Regexp
	ErrMsg       string
	ExpectResult bool
}

var (
	StringRegexpsCommon = []*StringRegexp{
		{
			Regexp:       regexp.MustCompile(`^[0-9a-zA-Z-\.:_\p{Han}]+$`),
			ErrMsg:       "is illegal",
			ExpectResult: true,
		},
		{
			Regexp:       regexp.MustCompile(`(^-)|(^_)|(^:)|(^\.)`),
			ErrMsg:       "is illegal",
			ExpectResult: false,
		},
		{
			Regexp:       regexp.MustCompile(`-$|_$|:$|\.$`),
			ErrMsg:       "is illegal",
			ExpectResult: false,
		},
	}
)

type RegexpType string

const (
	RegexpTypeCommon RegexpType = "common"
)

func ValidateStrings(typ RegexpType, ss ...string) error {
	var regexps []*StringRegexp
	switch typ {
	case RegexpTypeCommon:
		regexps = StringRegexpsCommon
	default:
		return errorno.ErrInvalidParams(errorno.ErrNameParams, string(typ))
	}

	for _, s := range ss {
		if s != "" {
			for _, reg := range regexps {
				if ret := reg.Regexp.MatchString(s); ret != reg.ExpectResult {
					return errorno.ErrInvalidParams(errorno.ErrNameName, s)
				}
			}
		}
	}

	return nil
}

func NormalizeMac(mac string) (string, error) {
	if hw, err := ParseMac(mac); err != nil {
		return "", err
	} else {
		return strings.ToUpper(hw.String()), nil
	}
}

// ParseMac only accepts 6 byte ethernet addresses, the only kind a home
// network hands out leases to.
func ParseMac(mac string) (net.HardwareAddr, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return nil, errorno.ErrInvalidParams(errorno.ErrNameMac, mac)
	}

	return hw, nil
}
