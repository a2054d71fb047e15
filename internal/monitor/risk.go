// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"strings"
	"time"
)

// baseRisk is the starting score of each event type.
var baseRisk = map[EventType]int{
	EventAssetDiscovered:      60,
	EventAssetRemoved:         40,
	EventAssetModified:        30,
	EventDNSChange:            45,
	EventCertificateChange:    50,
	EventTechnologyChange:     35,
	EventPortChange:           55,
	EventServiceChange:        45,
	EventContentChange:        20,
	EventAPIChange:            50,
	EventConfigurationExposed: 80,
}

const (
	magnitudeWeight = 5
	magnitudeCap    = 30
)

// RiskScore scores a change from its type and the number of changed items:
// base + min(5*magnitude, 30), capped at 100.
func RiskScore(t EventType, magnitude int) int {
	base, ok := baseRisk[t]
	if !ok {
		base = baseRisk[EventAssetModified]
	}
	if magnitude < 0 {
		magnitude = 0
	}
	return clamp(base + min(magnitude*magnitudeWeight, magnitudeCap))
}

// SeverityFor maps a risk score onto a severity.
func SeverityFor(score int) Severity {
	switch {
	case score >= 85:
		return SeverityCritical
	case score >= 70:
		return SeverityHigh
	case score >= 40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

var portRisk = map[int]int{
	21:    40,
	22:    20,
	23:    50,
	25:    30,
	80:    15,
	443:   10,
	445:   45,
	1433:  35,
	3306:  35,
	3389:  40,
	5432:  30,
	6379:  35,
	8080:  20,
	27017: 35,
}

// PortRisk scores an open port, raised for services that are commonly
// exposed by mistake.
func PortRisk(port int, service string) int {
	score, ok := portRisk[port]
	if !ok {
		if port < 1024 {
			score = 15
		} else {
			score = 5
		}
	}
	svc := strings.ToLower(service)
	switch {
	case strings.Contains(svc, "telnet"), strings.Contains(svc, "ftp"):
		score += 20
	case strings.Contains(svc, "rdp"), strings.Contains(svc, "vnc"):
		score += 15
	case strings.Contains(svc, "sql"), strings.Contains(svc, "database"):
		score += 15
	}
	return clamp(score)
}

// URLRisk scores a probed URL by response status and WAF presence. A nil
// waf means unknown.
func URLRisk(statusCode int, waf *bool) int {
	score := 10
	switch {
	case statusCode >= 200 && statusCode < 300:
		score += 20
	case statusCode >= 300 && statusCode < 400:
		score += 10
	case statusCode >= 400 && statusCode < 500:
		score += 5
	case statusCode >= 500 && statusCode < 600:
		score += 15
	}
	if waf != nil && !*waf {
		score += 20
	}
	return clamp(score)
}

// CertRisk scores a certificate by expiry, issuer and key size.
func CertRisk(notAfter time.Time, issuer string, keySize int, now time.Time) int {
	score := 5
	if !notAfter.IsZero() {
		left := notAfter.Sub(now)
		switch {
		case left <= 0:
			score += 50
		case left < 30*24*time.Hour:
			score += 30
		case left < 90*24*time.Hour:
			score += 15
		}
	}
	if strings.Contains(strings.ToLower(issuer), "self-signed") || strings.Contains(strings.ToLower(issuer), "self signed") {
		score += 40
	}
	if keySize > 0 && keySize < 2048 {
		score += 25
	}
	return clamp(score)
}

func clamp(score int) int {
	return max(0, min(score, 100))
}
