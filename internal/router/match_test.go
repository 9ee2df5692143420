package router

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"zigbee2mqtt/device1", "zigbee2mqtt/device1", true},
		{"zigbee2mqtt/device1", "zigbee2mqtt/device2", false},
		{"zigbee2mqtt/+", "zigbee2mqtt/device1", true},
		{"zigbee2mqtt/+", "zigbee2mqtt/device1/state", false},
		{"zigbee2mqtt/#", "zigbee2mqtt/device1", true},
		{"zigbee2mqtt/#", "zigbee2mqtt/device1/state", true},
		{"zigbee2mqtt/#", "zigbee2mqtt", true},
		{"zigbee2mqtt/#", "other/device1", false},
		{"#", "anything/at/all", true},
		{"+/+", "a/b", true},
		{"+/+", "a", false},
		{"+/b/#", "a/b", true},
		{"+/b/#", "a/b/c/d", true},
		{"+/b/#", "a/c/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
	}
	for _, c := range cases {
		if got := Match(c.filter, c.topic); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"a/b", "+", "#", "a/+/c", "a/#", "zigbee2mqtt/+"}
	for _, f := range valid {
		if err := ValidateFilter(f); err != nil {
			t.Errorf("ValidateFilter(%q) = %v, want nil", f, err)
		}
	}

	invalid := []string{"", "a/#/b", "#/a", "a/b+", "a/+c/d", "a#"}
	for _, f := range invalid {
		if err := ValidateFilter(f); err == nil {
			t.Errorf("ValidateFilter(%q) = nil, want error", f)
		}
	}
}
