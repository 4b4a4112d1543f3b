package utils

import (
	"math/big"
	"testing"
	"time"
)

func TestValidateEVMAddress(t *testing.T) {
	tests := []struct {
		address string
		valid   bool
	}{
		{"0x742d35Cc6e56A0e24C1D887FC9b50f08a2B6F4bC", true},
		{"0x0000000000000000000000000000000000000000", true},
		{"742d35Cc6e56A0e24C1D887FC9b50f08a2B6F4bC", false},    // No 0x prefix
		{"0x742d35Cc6e56A0e24C1D887FC9b50f08a2B6F4b", false},   // Too short
		{"0x742d35Cc6e56A0e24C1D887FC9b50f08a2B6F4bCC", false}, // Too long
		{"0xGGGd35Cc6e56A0e24C1D887FC9b50f08a2B6F4bC", false},  // Invalid hex
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			result := ValidateEVMAddress(tt.address)
			if result != tt.valid {
				t.Errorf("ValidateEVMAddress(%s) = %v, want %v", tt.address, result, tt.valid)
			}
		})
	}
}

func TestValidateTezosAddress(t *testing.T) {
	tests := []struct {
		address string
		valid   bool
	}{
		{"tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb", true},
		{"KT1PWx2mnDueood7fEmfbBDKx1D9BAnnXitn", true},
		{"tz9VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb", false}, // Unknown prefix
		{"tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcj", false},  // Too short
		{"tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcj0", false}, // '0' is not base58
		{"0x742d35Cc6e56A0e24C1D887FC9b50f08a2B6F4bC", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			result := ValidateTezosAddress(tt.address)
			if result != tt.valid {
				t.Errorf("ValidateTezosAddress(%s) = %v, want %v", tt.address, result, tt.valid)
			}
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x742d35Cc6e56A0e24C1D887FC9b50f08a2B6F4bC", "0x742d35cc6e56a0e24c1d887fc9b50f08a2b6f4bc"},
		{"0X742D35CC6E56A0E24C1D887FC9B50F08A2B6F4BC", "0x742d35cc6e56a0e24c1d887fc9b50f08a2b6f4bc"},
		{" tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb ", "tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := NormalizeAddress(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeAddress(%s) = %s, want %s", tt.input, result, tt.expected)
			}
		})
	}

	if SameAddress("tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb", "TZ1VSUR8WWNHLAZEMPOCH5D6HLRITH8CJCJB") {
		t.Errorf("Tezos addresses must compare case sensitively")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{30 * time.Second, "30.0s"},
		{90 * time.Second, "1.5m"},
		{3 * time.Hour, "3.0h"},
		{25 * time.Hour, "1.0d"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := FormatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("FormatDuration(%v) = %s, want %s", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    uint64
		expected string
	}{
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := FormatBytes(tt.bytes)
			if result != tt.expected {
				t.Errorf("FormatBytes(%d) = %s, want %s", tt.bytes, result, tt.expected)
			}
		})
	}
}

func TestBigIntToString(t *testing.T) {
	tests := []struct {
		input    *big.Int
		expected string
	}{
		{big.NewInt(123), "123"},
		{big.NewInt(0), "0"},
		{nil, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := BigIntToString(tt.input)
			if result != tt.expected {
				t.Errorf("BigIntToString(%v) = %s, want %s", tt.input, result, tt.expected)
			}
		})
	}
}

func TestStringToBigInt(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"123", "123"},
		{"0", "0"},
		{"invalid", "0"},
		{"", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := StringToBigInt(tt.input)
			if result.String() != tt.expected {
				t.Errorf("StringToBigInt(%s) = %s, want %s", tt.input, result.String(), tt.expected)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		raw      *big.Int
		decimals uint8
		expected string
	}{
		{big.NewInt(1500000), 6, "1.500000"},
		{big.NewInt(1000000000000000000), 18, "1.000000000000000000"},
		{big.NewInt(42), 0, "42"},
		{nil, 2, "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := FormatAmount(tt.raw, tt.decimals)
			if result != tt.expected {
				t.Errorf("FormatAmount(%v, %d) = %s, want %s", tt.raw, tt.decimals, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		input    string
		length   int
		expected string
	}{
		{"hello world", 5, "hello..."},
		{"short", 10, "short"},
		{"exact", 5, "exact"},
		{"", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := TruncateString(tt.input, tt.length)
			if result != tt.expected {
				t.Errorf("TruncateString(%s, %d) = %s, want %s", tt.input, tt.length, result, tt.expected)
			}
		})
	}
}

func TestMinDuration(t *testing.T) {
	if MinDuration(5*time.Second, 3*time.Second) != 3*time.Second {
		t.Errorf("MinDuration(5s, 3s) = %v, want 3s", MinDuration(5*time.Second, 3*time.Second))
	}
}
