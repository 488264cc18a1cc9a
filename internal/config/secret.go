package config

import (
	"crypto/rand"
	"log"
	"os"
)

// SecretKeyEnv names the environment variable holding the process-wide
// secret used for token binding hashes and config signatures.
const SecretKeyEnv = "SICALGATE_SECRET_KEY"

// SecretKey returns the process secret. When the environment variable is
// absent an ephemeral key is generated: the service keeps working, but
// signed rate-limit configs will not verify across restarts, so the
// condition is logged loudly. An empty key is never returned.
func SecretKey(logger *log.Logger) []byte {
	if logger == nil {
		logger = log.Default()
	}
	if key := os.Getenv(SecretKeyEnv); key != "" {
		return []byte(key)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	logger.Printf("SECURITY WARNING: %s not set; generated an ephemeral key. Signed configs will not verify and all tokens die with this process. Set the variable in production.", SecretKeyEnv)
	return buf
}
