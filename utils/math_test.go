package utils

import (
	"testing"

	"go.viam.com/test"
)

func TestClamp(t *testing.T) {
	for _, tc := range []struct {
		name     string
		x        float64
		min      float64
		max      float64
		expected float64
	}{
		{"within", 0.5, 0, 1, 0.5},
		{"below", -0.2, 0, 1, 0},
		{"above", 1.7, 0, 1, 1},
		{"at min", 0, 0, 1, 0},
		{"at max", 1, 0, 1, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, Clamp(tc.x, tc.min, tc.max), test.ShouldEqual, tc.expected)
		})
	}
}

func TestFormatBytesI64(t *testing.T) {
	test.That(t, FormatBytesI64(512), test.ShouldEqual, "512 Bytes")
	test.That(t, FormatBytesI64(2048), test.ShouldEqual, "2.00 KB")
	test.That(t, FormatBytesI64(5*1024*1024), test.ShouldEqual, "5.00 MB")
}
