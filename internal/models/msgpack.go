package models

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MarshalMsgpack encodes v as MessagePack, naming fields by their json tags
// where no msgpack tag is present.
func MarshalMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type msgpackModel struct {
	Name         string        `msgpack:"name"`
	Links        []*Link       `msgpack:"links"`
	Joints       []*Joint      `msgpack:"joints"`
	Constraints  []*Constraint `msgpack:"constraints"`
	RootLink     string        `msgpack:"rootLink,omitempty"`
	SourceFormat SourceFormat  `msgpack:"sourceFormat"`
}

// EncodeMsgpack writes the model with its ordered collections as lists.
func (m *UnifiedRobotModel) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(msgpackModel{
		Name:         m.Name,
		Links:        m.Links.Values(),
		Joints:       m.Joints.Values(),
		Constraints:  m.Constraints.Values(),
		RootLink:     m.RootLink,
		SourceFormat: m.SourceFormat,
	})
}

var _ msgpack.CustomEncoder = (*UnifiedRobotModel)(nil)
