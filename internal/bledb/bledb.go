// Package bledb names the Bluetooth SIG and vendor UUIDs this tool speaks.
package bledb

import "github.com/srg/blesense/internal/gatt"

var services = map[string]string{
	"1809": "Health Thermometer",
	"180a": "Device Information",
	"180f": "Battery",
	"1814": "Running Speed and Cadence",
	"1816": "Cycling Speed and Cadence",
	"181f": "Continuous Glucose Monitoring",
	"0000152312128eee152370a5770a5700": "Toast",
}

var characteristics = map[string]string{
	"2a19": "Battery Level",
	"2a1c": "Temperature Measurement",
	"2a1d": "Temperature Type",
	"2a52": "Record Access Control Point",
	"2a53": "RSC Measurement",
	"2a54": "RSC Feature",
	"2a5b": "CSC Measurement",
	"2a5c": "CSC Feature",
	"2aa7": "CGM Measurement",
	"2aa8": "CGM Feature",
	"2aa9": "CGM Status",
	"2aac": "CGM Specific Ops Control Point",
	"0000152412128eee152370a5770a5700": "Toast Power",
	"0000152512128eee152370a5770a5700": "Toast Temperature",
	"0000152712128eee152370a5770a5700": "Toast Target Temperature",
}

// NormalizeUUID returns the lookup key for a textual UUID: lowercase hex,
// no dashes or braces, SIG base UUIDs shortened to 16 bits.
func NormalizeUUID(uuid string) string {
	s := uuid
	if len(s) > 1 && s[0] == '{' && s[len(s)-1] == '}' {
		s = s[1 : len(s)-1]
	}
	return gatt.NormalizeUUIDString(s)
}

// LookupService returns the name of a service UUID, or "" when unknown.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the name of a characteristic UUID, or "" when unknown.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// Describe renders a UUID with its service or characteristic name when known.
func Describe(uuid string) string {
	key := NormalizeUUID(uuid)
	if name := services[key]; name != "" {
		return name + " (" + key + ")"
	}
	if name := characteristics[key]; name != "" {
		return name + " (" + key + ")"
	}
	return key
}
