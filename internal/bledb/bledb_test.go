package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalizeUUID verifies that NormalizeUUID correctly handles various UUID formats
func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"16-bit short form", "181f", "181f"},
		{"16-bit with 0x prefix", "0x181F", "181f"},
		{"Full Bluetooth SIG UUID with dashes", "0000181f-0000-1000-8000-00805f9b34fb", "181f"},
		{"Full Bluetooth SIG UUID without dashes", "0000181f00001000800000805f9b34fb", "181f"},
		{"Custom 128-bit UUID (not SIG base)", "00001523-1212-8eee-1523-70a5770a5700", "0000152312128eee152370a5770a5700"},
		{"UUID with braces", "{0000181f-0000-1000-8000-00805f9b34fb}", "181f"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

// TestLookupService verifies that LookupService works with both short and full UUIDs
func TestLookupService(t *testing.T) {
	tests := []struct {
		uuid     string
		expected string
	}{
		{"181f", "Continuous Glucose Monitoring"},
		{"0000181F-0000-1000-8000-00805f9b34fb", "Continuous Glucose Monitoring"},
		{"1809", "Health Thermometer"},
		{"180f", "Battery"},
		{"00001523-1212-8eee-1523-70a5770a5700", "Toast"},
		{"ffff", ""},
	}

	for _, tt := range tests {
		t.Run(tt.uuid, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupService(tt.uuid))
		})
	}
}

// TestLookupCharacteristic verifies that LookupCharacteristic works with both short and full UUIDs
func TestLookupCharacteristic(t *testing.T) {
	tests := []struct {
		uuid     string
		expected string
	}{
		{"2aa7", "CGM Measurement"},
		{"00002a52-0000-1000-8000-00805f9b34fb", "Record Access Control Point"},
		{"2a19", "Battery Level"},
		{"00001525-1212-8eee-1523-70a5770a5700", "Toast Temperature"},
		{"2a37", ""},
	}

	for _, tt := range tests {
		t.Run(tt.uuid, func(t *testing.T) {
			assert.Equal(t, tt.expected, LookupCharacteristic(tt.uuid))
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "CGM Status (2aa9)", Describe("2AA9"))
	assert.Equal(t, "Cycling Speed and Cadence (1816)", Describe("0x1816"))
	assert.Equal(t, "abcd", Describe("ABCD"))
}
