// Package jsonprobe is a deliberately weak JSON reader.
//
// It answers exactly one question: given a JSON object's raw bytes and a
// top-level field name, what string value (if any) is assigned to it? It
// never builds a parse tree and never allocates proportional to the size of
// the payload being scanned — the broker sees thousands of small control
// messages and a handful of bytes already tells it everything it needs
// ("type", "feed", "data", "encoding"). Addons that need more structure than
// this parse their own payloads; full JSON conformance is not a goal here,
// matching the "data" field's opacity in the wire protocol.
package jsonprobe

// GetString scans obj for a top-level `"key": "value"` pair and returns the
// decoded value. It tolerates whitespace around the colon and around the
// key's quotes, and understands the two escapes the wire protocol actually
// uses: \" and \\. ok is false if the key is not present at the top level,
// or if obj is not a JSON object at all.
//
// The scan is a single linear pass with no intermediate buffers until a
// match is found. The returned string is always a copy of the value's
// bytes; a value containing escapes is first decoded into one []byte sized
// to the value, not to obj.
func GetString(obj []byte, key string) (value string, ok bool) {
	i := 0
	n := len(obj)

	for i < n {
		// Find the next quoted string, which — at the top level of a well
		// formed object — is always a key.
		start, end, found := scanQuoted(obj, i)
		if !found {
			return "", false
		}
		candidate := obj[start:end]
		i = end + 1

		i = skipSpace(obj, i)
		if i >= n || obj[i] != ':' {
			// Not actually a "key": position; keep scanning forward.
			continue
		}
		i = skipSpace(obj, i+1)

		if string(candidate) == key {
			if i >= n || obj[i] != '"' {
				// The field exists but isn't a JSON string; the probe only
				// speaks string values.
				return "", false
			}
			vstart, vend, vfound := scanQuoted(obj, i)
			if !vfound {
				return "", false
			}
			return unescape(obj[vstart:vend]), true
		}

		// Not our key — skip to the next comma at this nesting depth isn't
		// tracked (the probe doesn't understand nesting); instead just keep
		// scanning for the next quoted string, which is good enough for the
		// flat, single-level control messages this protocol uses.
	}

	return "", false
}

// scanQuoted finds the next "..." run starting at or after i, honoring \"
// and \\ escapes within it. It returns the byte range of the content
// between the quotes (exclusive of the quotes themselves).
func scanQuoted(b []byte, i int) (start, end int, ok bool) {
	n := len(b)
	for i < n && b[i] != '"' {
		i++
	}
	if i >= n {
		return 0, 0, false
	}
	start = i + 1
	j := start
	for j < n {
		switch b[j] {
		case '\\':
			j += 2 // skip the escaped byte, whatever it is
			continue
		case '"':
			return start, j, true
		}
		j++
	}
	return 0, 0, false
}

func skipSpace(b []byte, i int) int {
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		return i
	}
	return i
}

// unescape resolves \" and \\ only — the two escapes the broker's own
// publishing helpers emit (see internal/ctlplane). Anything else is passed
// through verbatim rather than rejected; the probe does not validate JSON.
func unescape(raw []byte) string {
	hasEscape := false
	for _, c := range raw {
		if c == '\\' {
			hasEscape = true
			break
		}
	}
	if !hasEscape {
		return string(raw)
	}

	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			switch raw[i+1] {
			case '"':
				out = append(out, '"')
				i++
				continue
			case '\\':
				out = append(out, '\\')
				i++
				continue
			}
		}
		out = append(out, raw[i])
	}
	return string(out)
}
