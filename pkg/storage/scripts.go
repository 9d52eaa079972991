package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Scripts are sequences of commands separated by ';' or newlines.
// Arguments of the form KEYS[n] and ARGV[n] (1-based) are replaced by the
// keys and arguments given to EVAL. The reply is that of the last command.

// ScriptSHA returns the lowercase hex SHA1 of a script body.
func ScriptSHA(body []byte) string {
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])
}

func (k *Keyspace) scriptLocked(db int, name string, args [][]byte) (any, error) {
	switch name {
	case "SCRIPT":
		return k.scriptCommandLocked(args)
	case "EVAL":
		if len(args) < 3 {
			return nil, wrongArgs(name)
		}
		body := append([]byte(nil), args[1]...)
		k.scripts[ScriptSHA(body)] = body
		return k.runScriptLocked(db, body, args[2:])
	default:
		if len(args) < 3 {
			return nil, wrongArgs(name)
		}
		body, ok := k.scripts[strings.ToLower(string(args[1]))]
		if !ok {
			return nil, ErrNoScript
		}
		return k.runScriptLocked(db, body, args[2:])
	}
}

func (k *Keyspace) scriptCommandLocked(args [][]byte) (any, error) {
	if len(args) < 2 {
		return nil, wrongArgs("script")
	}
	switch strings.ToUpper(string(args[1])) {
	case "LOAD":
		if len(args) != 3 {
			return nil, wrongArgs("script|load")
		}
		body := append([]byte(nil), args[2]...)
		sha := ScriptSHA(body)
		k.scripts[sha] = body
		return []byte(sha), nil
	case "EXISTS":
		if len(args) < 3 {
			return nil, wrongArgs("script|exists")
		}
		out := make([]any, 0, len(args)-2)
		for _, sha := range args[2:] {
			var n int64
			if _, ok := k.scripts[strings.ToLower(string(sha))]; ok {
				n = 1
			}
			out = append(out, n)
		}
		return out, nil
	case "FLUSH":
		k.scripts = make(map[string][]byte)
		return OK, nil
	default:
		return nil, ErrSyntax
	}
}

// runScriptLocked executes body. rest is numkeys followed by keys and
// arguments.
func (k *Keyspace) runScriptLocked(db int, body []byte, rest [][]byte) (any, error) {
	numKeys, err := strconv.Atoi(string(rest[0]))
	if err != nil || numKeys < 0 {
		return nil, NewError("eval").Cause(ErrNotInteger).Err()
	}
	if numKeys > len(rest)-1 {
		return nil, NewError("eval").Cause(fmt.Errorf("%w: number of keys can't be greater than number of args", ErrScript)).Err()
	}
	keys, argv := rest[1:1+numKeys], rest[1+numKeys:]

	var reply any
	for _, stmt := range splitStatements(string(body)) {
		fields := strings.Fields(stmt)
		if len(fields) == 0 {
			continue
		}
		cmd := make([][]byte, len(fields))
		for i, f := range fields {
			v, err := substitute(f, keys, argv)
			if err != nil {
				return nil, NewError("eval").Context(stmt).Cause(err).Err()
			}
			cmd[i] = v
		}
		reply, err = k.doLocked(db, cmd, false)
		if err != nil {
			return nil, NewError("eval").Context(stmt).Cause(err).Err()
		}
	}
	return reply, nil
}

func splitStatements(body string) []string {
	return strings.FieldsFunc(body, func(r rune) bool { return r == ';' || r == '\n' })
}

func substitute(field string, keys, argv [][]byte) ([]byte, error) {
	var src [][]byte
	var idx string
	switch {
	case strings.HasPrefix(field, "KEYS[") && strings.HasSuffix(field, "]"):
		src, idx = keys, field[len("KEYS["):len(field)-1]
	case strings.HasPrefix(field, "ARGV[") && strings.HasSuffix(field, "]"):
		src, idx = argv, field[len("ARGV["):len(field)-1]
	default:
		return []byte(field), nil
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 || n > len(src) {
		return nil, fmt.Errorf("%w: %s out of range", ErrScript, field)
	}
	return src[n-1], nil
}
