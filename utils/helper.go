package utils

import (
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

var CountryCode = "MM"

// FormatPhoneE164 parses phoneNumber for the region (default CountryCode) and renders it as E.164.
func FormatPhoneE164(phoneNumber, region string) (string, error) {
	if region == "" {
		region = CountryCode
	}
	p, err := libphonenumber.Parse(phoneNumber, strings.ToUpper(region))
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone number is not valid")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	result := make([]T, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
