package broker

import (
	"fmt"
	"strings"
)

// Matches reports whether a message published with routingKey reaches a queue bound
// with bindingKey on an exchange of the given kind.
//
// Topic bindings use AMQP semantics: words are separated by dots, "*" matches
// exactly one word and "#" matches zero or more words.
func Matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case KindFanout:
		return true
	case KindTopic:
		return matchWords(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	default:
		return bindingKey == routingKey
	}
}

func matchWords(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchWords(rest, words[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || pattern[0] != words[0] {
				return false
			}
		}
		pattern = pattern[1:]
		words = words[1:]
	}
	return len(words) == 0
}

// natsSubject maps an exchange and binding or routing key onto a NATS subject.
// "#" can only be translated when it is the last word.
func natsSubject(exchange, kind, key string, binding bool) (string, error) {
	if kind == KindFanout {
		if binding {
			return exchange + ".>", nil
		}
		key = "_"
	}
	if key == "" {
		return "", fmt.Errorf("%w: empty routing key", ErrUnsupported)
	}

	words := strings.Split(key, ".")
	for i, w := range words {
		switch {
		case w == "":
			return "", fmt.Errorf("%w: empty word in routing key %q", ErrUnsupported, key)
		case w == "#" && binding && kind == KindTopic:
			if i != len(words)-1 {
				return "", fmt.Errorf("%w: '#' must be the last word in %q", ErrUnsupported, key)
			}
			words[i] = ">"
		case (w == "*" || w == "#") && !(binding && kind == KindTopic):
			return "", fmt.Errorf("%w: wildcard %q outside a topic binding", ErrUnsupported, key)
		case strings.ContainsAny(w, " \t\r\n>"):
			return "", fmt.Errorf("%w: invalid character in routing key %q", ErrUnsupported, key)
		}
	}
	return exchange + "." + strings.Join(words, "."), nil
}
