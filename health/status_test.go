package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, NewHealthy("a", "ok").IsHealthy())
	assert.True(t, NewDegraded("a", "slow").IsDegraded())
	assert.True(t, NewUnhealthy("a", "down").IsUnhealthy())
	assert.False(t, NewDegraded("a", "slow").Healthy)
}

func TestWithSubStatus(t *testing.T) {
	parent := NewHealthy("system", "ok")
	child := NewUnhealthy("repository", "down")

	updated := parent.WithSubStatus(child)
	assert.Len(t, updated.SubStatuses, 1)
	assert.Empty(t, parent.SubStatuses, "original is not mutated")
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"one unhealthy", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := Aggregate("system", test.subs)
			assert.Equal(t, test.expected, result.Status)
			assert.Len(t, result.SubStatuses, len(test.subs))
		})
	}
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		contains    string
		notContains string
	}{
		{"empty", "", "", ""},
		{"http url", "GET https://inventory.example.com/v1 failed", "[URL]", "example.com"},
		{"nats url", "dial nats://broker:4222 refused", "[URL]", "broker"},
		{"unix path", "open /etc/rudder/datasources.conf denied", "[PATH]", "/etc/rudder"},
		{"ip address", "connect 192.168.1.100 timed out", "[IP]", "192.168.1.100"},
		{"credentials", "auth password=hunter2 rejected", "[REDACTED]", "hunter2"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := SanitizeMessage(test.input)
			if test.contains != "" {
				assert.Contains(t, result, test.contains)
			}
			if test.notContains != "" {
				assert.NotContains(t, result, test.notContains)
			}
		})
	}
}
