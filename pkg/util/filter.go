package util

import (
	"strings"

	restresource "github.com/linkingthing/gorest/resource"
)

const (
	FilterNameHwAddress = "hw_address"
	FilterNameScope     = "scope"
)

func GetFilterValueWithEqModifierFromFilters(filterName string, filters []restresource.Filter) (string, bool) {
	for _, filter := range filters {
		if filter.Name == filterName {
			return GetFilterValueWithEqModifierFromFilter(filter)
		}
	}

	return "", false
}

func GetFilterValueWithEqModifierFromFilter(filter restresource.Filter) (string, bool) {
	if filter.Modifier == restresource.Eq && len(filter.Values) == 1 &&
		strings.TrimSpace(filter.Values[0]) != "" {
		return filter.Values[0], true
	}

	return "", false
}
