package objectstore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ObjectType is the type tag stored in every object header.
type ObjectType int32

const (
	TypeUnknown ObjectType = iota
	TypeRootEntry
	TypeAgentRegister
	TypeAgent
	TypeRetrieveQueue
	TypeArchiveQueue
	TypeRetrieveRequest
	TypeArchiveRequest
	TypeRepackQueue
	TypeRepackRequest
	TypeDriveRegister
)

var objectTypeNames = map[ObjectType]string{
	TypeUnknown:         "Unknown",
	TypeRootEntry:       "RootEntry",
	TypeAgentRegister:   "AgentRegister",
	TypeAgent:           "Agent",
	TypeRetrieveQueue:   "RetrieveQueue",
	TypeArchiveQueue:    "ArchiveQueue",
	TypeRetrieveRequest: "RetrieveRequest",
	TypeArchiveRequest:  "ArchiveRequest",
	TypeRepackQueue:     "RepackQueue",
	TypeRepackRequest:   "RepackRequest",
	TypeDriveRegister:   "DriveRegister",
}

func (t ObjectType) String() string {
	if name, ok := objectTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ObjectType(%d)", int32(t))
}

// Header field numbers.
const (
	fieldType        protowire.Number = 1
	fieldOwner       protowire.Number = 2
	fieldBackupOwner protowire.Number = 3
	fieldPayload     protowire.Number = 4
)

// header is the envelope of every stored object.
type header struct {
	Type        ObjectType
	Owner       string
	BackupOwner string
	Payload     []byte
}

func (h *header) marshal() []byte {
	b := make([]byte, 0, 16+len(h.Owner)+len(h.BackupOwner)+len(h.Payload))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Type))
	if h.Owner != "" {
		b = protowire.AppendTag(b, fieldOwner, protowire.BytesType)
		b = protowire.AppendString(b, h.Owner)
	}
	if h.BackupOwner != "" {
		b = protowire.AppendTag(b, fieldBackupOwner, protowire.BytesType)
		b = protowire.AppendString(b, h.BackupOwner)
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Payload)
	return b
}

func unmarshalHeader(b []byte) (*header, error) {
	h := &header{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decoding header tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decoding header type: %w", protowire.ParseError(n))
			}
			h.Type = ObjectType(v)
			b = b[n:]
		case (num == fieldOwner || num == fieldBackupOwner || num == fieldPayload) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decoding header field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case fieldOwner:
				h.Owner = string(v)
			case fieldBackupOwner:
				h.BackupOwner = string(v)
			default:
				h.Payload = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skipping header field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return h, nil
}
