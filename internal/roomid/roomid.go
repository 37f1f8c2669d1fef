// Package roomid generates memorable ids for rooms and participants.
package roomid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

var (
	adjectives = []string{
		"tiny", "happy", "sleepy", "fluffy", "sparkly", "cheery", "jolly", "cozy", "shiny", "golden",
		"silver", "crimson", "emerald", "bright", "gentle", "brave", "calm", "swift", "quiet", "merry",
	}
	animals = []string{
		"otter", "panda", "koala", "fox", "hedgehog", "beaver", "dolphin", "narwhal", "penguin", "pelican",
		"sparrow", "toucan", "parrot", "ferret", "raccoon", "lamb", "fawn", "heron", "lynx", "marten",
	}
	dishes = []string{
		"pancake", "waffle", "ramen", "curry", "taco", "biryani", "paella", "risotto", "dumpling", "noodle",
		"omelette", "quiche", "kebab", "fondue", "pierogi", "gnocchi", "falafel", "samosa", "poutine", "dimsum",
	}
)

var pattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// Generate returns an id like "cozy-otter-ramen-42".
func Generate() string {
	return fmt.Sprintf("%s-%s-%s-%02d",
		pick(adjectives), pick(animals), pick(dishes), randomIndex(100))
}

// Valid reports whether id is usable as a room or participant id on the relay.
func Valid(id string) bool {
	return pattern.MatchString(id)
}

func pick(words []string) string {
	return words[randomIndex(len(words))]
}

// randomIndex returns a cryptographically secure random index below max.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(fmt.Sprintf("roomid: random source failed: %v", err))
	}
	return int(n.Int64())
}
