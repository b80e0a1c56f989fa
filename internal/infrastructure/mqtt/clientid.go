package mqtt

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// clientIDSuffixLength is the length of the random suffix appended to
// generated client identifiers.
const clientIDSuffixLength = 6

// suffixAlphabet matches the character set the device fleet tooling uses
// for client ID suffixes.
const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateClientID builds a collision-resistant MQTT client identifier.
//
// Brokers disconnect the older session when two clients share an identifier,
// which shows up as an endless connect/disconnect loop between instances.
// The generated identity therefore mixes UUID, timestamp, process ID,
// hostname and a random suffix so that parallel instances on the same or
// different hosts never collide.
//
// When prefix is non-empty the caller-supplied name is preserved and only a
// random suffix plus timestamp are appended:
//
//	GenerateClientID("")        // "sard-3f2a9c1d-1735603200-4321-buildhos-x7k2pq"
//	GenerateClientID("bridge")  // "bridge-x7k2pq-1735603200"
func GenerateClientID(prefix string) string {
	now := time.Now().Unix()

	if prefix != "" {
		return fmt.Sprintf("%s-%s-%d", prefix, randomSuffix(), now)
	}

	uniqueID := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if len(hostname) > 8 {
		hostname = hostname[:8]
	}

	return fmt.Sprintf("sard-%s-%d-%d-%s-%s",
		uniqueID, now, os.Getpid(), hostname, randomSuffix())
}

// randomSuffix returns a short random lowercase-alphanumeric string.
func randomSuffix() string {
	b := make([]byte, clientIDSuffixLength)
	for i := range b {
		b[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return string(b)
}
