package crypto

import (
	"encoding/binary"
	"errors"
)

var primePadCounts = generatePrimePadCounts()

// generatePrimePadCounts generates a slice of prime numbers between MinPadCount and MaxPadCount.
func generatePrimePadCounts() []uint16 {
	var primes []uint16
	for n := MinPadCount; n <= MaxPadCount; n++ {
		if isPrime(n) {
			primes = append(primes, uint16(n))
		}
	}
	return primes
}

// isPrime checks if a number is prime.
func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for i := 2; i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}

// PadCountFromKey maps key material onto one of the prime pad counts, so both
// peers pick the same count without sending it.
func PadCountFromKey(material []byte) (uint16, error) {
	if len(primePadCounts) == 0 {
		return 0, errors.New("no prime pad counts available")
	}
	if len(material) < 2 {
		return 0, errors.New("pad selector too short")
	}
	idx := int(binary.BigEndian.Uint16(material)) % len(primePadCounts)
	return primePadCounts[idx], nil
}

// ValidatePadCount checks if the given pad count is a prime number within the valid range.
func ValidatePadCount(p uint16) bool {
	return int(p) >= MinPadCount && int(p) <= MaxPadCount && isPrime(int(p))
}
