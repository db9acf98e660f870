package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Device is a deterministic companion-device identity. The same seed and
// account always produce the same device, so a restored session presents
// itself exactly as it did when it was paired.
type Device struct {
	DeviceID     string
	ComputerName string // DESKTOP-XXXXXXX
	OS           string
	Timezone     string
	Language     string
	Country      string
}

type locale struct {
	Timezone string
	Language string
}

var locales = map[string]locale{
	"US": {Timezone: "America/New_York", Language: "en-US"},
	"IL": {Timezone: "Asia/Jerusalem", Language: "he-IL"},
	"GB": {Timezone: "Europe/London", Language: "en-GB"},
	"DE": {Timezone: "Europe/Berlin", Language: "de-DE"},
	"FR": {Timezone: "Europe/Paris", Language: "fr-FR"},
	"CA": {Timezone: "America/Toronto", Language: "en-CA"},
	"AU": {Timezone: "Australia/Sydney", Language: "en-AU"},
	"BR": {Timezone: "America/Sao_Paulo", Language: "pt-BR"},
	"IN": {Timezone: "Asia/Kolkata", Language: "en-IN"},
	"JP": {Timezone: "Asia/Tokyo", Language: "ja-JP"},
}

var windowsBuilds = []string{"10.0.19045", "10.0.22621", "10.0.22631"}

// ForAccount derives the device used by accountID under a worker seed.
// Unknown countries fall back to US.
func ForAccount(seed, accountID, country string) Device {
	if seed == "" {
		seed = "default-seed"
	}
	country = strings.ToUpper(country)
	loc, ok := locales[country]
	if !ok {
		country, loc = "US", locales["US"]
	}

	sum := sha256.Sum256([]byte(seed + "/" + accountID))
	h := hex.EncodeToString(sum[:])

	return Device{
		DeviceID:     h[:16],
		ComputerName: "DESKTOP-" + strings.ToUpper(h[16:23]),
		OS:           fmt.Sprintf("Windows %s", windowsBuilds[int(sum[31])%len(windowsBuilds)]),
		Timezone:     loc.Timezone,
		Language:     loc.Language,
		Country:      country,
	}
}
