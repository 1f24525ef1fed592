package web

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"

	uuid "github.com/satori/go.uuid"

	"github.com/anime-games-proxy/agproxy/proxy"
)

// Wire format of a monitor message:
//
//	version 1 byte + type 1 byte + id 36 byte + content left bytes
//
// The id is the connection id for conn and connClose messages, the flow id
// otherwise. The monitor is read-only: clients never send messages back.

const messageVersion = 3

type messageType byte

const (
	messageTypeConn         messageType = 0
	messageTypeRequest      messageType = 1
	messageTypeRequestBody  messageType = 2
	messageTypeResponse     messageType = 3
	messageTypeResponseBody messageType = 4
	messageTypeConnClose    messageType = 5
)

var allMessageTypes = []messageType{
	messageTypeConn,
	messageTypeRequest,
	messageTypeRequestBody,
	messageTypeResponse,
	messageTypeResponseBody,
	messageTypeConnClose,
}

func validMessageType(t byte) bool {
	for _, v := range allMessageTypes {
		if t == byte(v) {
			return true
		}
	}
	return false
}

type messageFlow struct {
	mType   messageType
	id      uuid.UUID
	content []byte
}

func newMessageFlow(mType messageType, f *proxy.Flow) (*messageFlow, error) {
	var content []byte
	var err error
	id := f.ID

	switch mType {
	case messageTypeConn:
		id = f.ConnContext.ID()
		content, err = json.Marshal(f.ConnContext)
	case messageTypeRequest:
		m := map[string]any{
			"request": f.Request,
			"connId":  f.ConnContext.ID().String(),
		}
		if f.Redirected() {
			m["redirectedFrom"] = f.RedirectedFrom.String()
		}
		content, err = json.Marshal(m)
	case messageTypeRequestBody:
		content, err = f.Request.DecodedBody()
	case messageTypeResponse:
		if f.Response == nil {
			err = errors.New("no response")
			break
		}
		content, err = json.Marshal(f.Response)
	case messageTypeResponseBody:
		if f.Response == nil {
			err = errors.New("no response")
			break
		}
		content, err = f.Response.DecodedBody()
	default:
		err = errors.New("invalid message type")
	}

	if err != nil {
		return nil, err
	}

	return &messageFlow{
		mType:   mType,
		id:      id,
		content: content,
	}, nil
}

func newMessageConnClose(connCtx *proxy.ConnContext) *messageFlow {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, connCtx.FlowCount.Load())
	return &messageFlow{
		mType:   messageTypeConnClose,
		id:      connCtx.ID(),
		content: buf.Bytes(),
	}
}

func (m *messageFlow) toBytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 38+len(m.content)))
	buf.WriteByte(byte(messageVersion))
	buf.WriteByte(byte(m.mType))
	buf.WriteString(m.id.String()) // len: 36
	buf.Write(m.content)
	return buf.Bytes()
}

// parseMessageFlow decodes a message produced by toBytes.
func parseMessageFlow(data []byte) (*messageFlow, error) {
	if len(data) < 38 {
		return nil, errors.New("message too short")
	}
	if data[0] != messageVersion {
		return nil, errors.New("unsupported message version")
	}
	if !validMessageType(data[1]) {
		return nil, errors.New("invalid message type")
	}
	id, err := uuid.FromString(string(data[2:38]))
	if err != nil {
		return nil, err
	}
	return &messageFlow{
		mType:   messageType(data[1]),
		id:      id,
		content: data[38:],
	}, nil
}
