package util

import (
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

// BodyExcerptLen - ile znaków treści odpowiedzi/dokumentu trafia do błędów i diagnostyki
const BodyExcerptLen = 200

func DebugEnabled() bool {
	return etb("KSEF_DEBUG")
}

func HttpTraceEnabled() bool {
	return etb("KSEF_HTTP_TRACE")
}

func etb(envName string) bool {
	v, ok := os.LookupEnv(envName)
	if !ok {
		return false
	}

	bv, err := strconv.ParseBool(v)

	return err == nil && bv
}

func GetEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// Excerpt skraca tekst do max znaków (runy, nie bajty) i zwija białe znaki.
func Excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// MaskToken zostawia tylko kilka pierwszych znaków tokena, reszta do logów nie trafia.
func MaskToken(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "***"
}
