package object

import (
	"bytes"
	"strconv"
)

// EncodeRecord serializes obj into its full record "type len\0payload" and
// returns the record together with the object's id.
func EncodeRecord(obj Object) ([]byte, Hash, error) {
	payload, err := Marshal(obj)
	if err != nil {
		return nil, "", err
	}
	return makeRecord(obj.Type(), payload), HashObject(obj.Type(), payload), nil
}

// DecodeRecord parses and validates a full record. It is the exact inverse
// of EncodeRecord.
func DecodeRecord(raw []byte) (Object, error) {
	objType, payload, err := splitRecord(raw)
	if err != nil {
		return nil, err
	}
	return Unmarshal(objType, payload)
}

func makeRecord(objType ObjectType, payload []byte) []byte {
	header := recordHeader(objType, len(payload))
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...)
}

// splitRecord parses the envelope "type len\0content" and checks that the
// declared length matches the payload exactly.
func splitRecord(raw []byte) (ObjectType, []byte, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return "", nil, malformedf("record: missing header terminator")
	}
	typ, size, ok := bytes.Cut(raw[:nul], []byte(" "))
	if !ok {
		return "", nil, malformedf("record: invalid header %q", raw[:nul])
	}
	objType, err := ParseObjectType(string(typ))
	if err != nil {
		return "", nil, err
	}
	length, err := strconv.Atoi(string(size))
	if err != nil || length < 0 {
		return "", nil, malformedf("record: invalid length %q", size)
	}
	payload := raw[nul+1:]
	if len(payload) != length {
		return "", nil, malformedf("record: length mismatch (header=%d, actual=%d)", length, len(payload))
	}
	return objType, payload, nil
}
