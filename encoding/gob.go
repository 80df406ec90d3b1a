package encoding

//
// the simulated network never hands the receiver the sender's objects:
// every message is encoded on send and decoded on delivery, so a leader
// that keeps appending to its log can't mutate entries already in flight.
//
// unexported fields are silently dropped by gob, which shows up as
// zeroed terms and indices on the other side. this wrapper warns once
// per type about them.
//

import (
	"bytes"
	"encoding/gob"
	"io"
	"log"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"
)

var (
	mu         sync.Mutex
	errorCount int // for TestLowerCaseField
	checked    map[reflect.Type]bool
)

type Encoder struct {
	gob *gob.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{gob: gob.NewEncoder(w)}
}

func (enc *Encoder) Encode(e interface{}) error {
	checkValue(e)
	return enc.gob.Encode(e)
}

type Decoder struct {
	gob *gob.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{gob: gob.NewDecoder(r)}
}

// Decode the value underlying e must be a pointer to the
// correct type for the next data item received.
func (dec *Decoder) Decode(e interface{}) error {
	checkValue(e)
	return dec.gob.Decode(e)
}

// Marshal encodes a single value into a fresh buffer.
func Marshal(e interface{}) ([]byte, error) {
	writer := new(bytes.Buffer)
	if err := NewEncoder(writer).Encode(e); err != nil {
		return nil, err
	}
	return writer.Bytes(), nil
}

// Unmarshal decodes data produced by Marshal into e, which must be a pointer.
func Unmarshal(data []byte, e interface{}) error {
	return NewDecoder(bytes.NewReader(data)).Decode(e)
}

// Register Only types that will be transferred as implementations of interface values need to be registered.
// Expecting to be used only during initialization
func Register(value interface{}) {
	checkValue(value)
	gob.Register(value)
}

func checkValue(value interface{}) {
	if value == nil {
		return
	}
	checkType(reflect.TypeOf(value))
}

func checkType(t reflect.Type) {
	mu.Lock()
	// only complain once, and avoid recursion.
	if checked == nil {
		checked = map[reflect.Type]bool{}
	}
	if checked[t] {
		mu.Unlock()
		return
	}
	checked[t] = true
	mu.Unlock()

	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			r, _ := utf8.DecodeRuneInString(f.Name)
			if !unicode.IsUpper(r) {
				log.Printf("encoding error: lower-case field %v of %v won't cross the simulated network\n",
					f.Name, t.Name())
				mu.Lock()
				errorCount += 1
				mu.Unlock()
			}
			checkType(f.Type)
		}
	case reflect.Slice, reflect.Array, reflect.Ptr:
		checkType(t.Elem())
	case reflect.Map:
		checkType(t.Elem())
		checkType(t.Key())
	}
}
