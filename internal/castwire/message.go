package castwire

import (
	"github.com/gogo/protobuf/proto"
)

// Well-known CASTV2 peers and namespaces.
const (
	DefaultSourceID      = "sender-0"
	DefaultDestinationID = "receiver-0"

	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"
)

type ProtocolVersion int32

const (
	ProtocolVersionCASTV2_1_0 ProtocolVersion = 0
)

var protocolVersionName = map[int32]string{
	0: "CASTV2_1_0",
}

var protocolVersionValue = map[string]int32{
	"CASTV2_1_0": 0,
}

func (x ProtocolVersion) Enum() *ProtocolVersion {
	p := new(ProtocolVersion)
	*p = x
	return p
}

func (x ProtocolVersion) String() string {
	return proto.EnumName(protocolVersionName, int32(x))
}

type PayloadType int32

const (
	PayloadTypeString PayloadType = 0
	PayloadTypeBinary PayloadType = 1
)

var payloadTypeName = map[int32]string{
	0: "STRING",
	1: "BINARY",
}

var payloadTypeValue = map[string]int32{
	"STRING": 0,
	"BINARY": 1,
}

func (x PayloadType) Enum() *PayloadType {
	p := new(PayloadType)
	*p = x
	return p
}

func (x PayloadType) String() string {
	return proto.EnumName(payloadTypeName, int32(x))
}

// CastMessage is the CASTV2 envelope (extensions.api.cast_channel.CastMessage).
// Messages built for transmission are not mutated after construction.
type CastMessage struct {
	ProtocolVersion *ProtocolVersion `protobuf:"varint,1,req,name=protocol_version,json=protocolVersion,enum=extensions.api.cast_channel.CastMessage_ProtocolVersion" json:"protocol_version,omitempty"`
	SourceId        *string          `protobuf:"bytes,2,req,name=source_id,json=sourceId" json:"source_id,omitempty"`
	DestinationId   *string          `protobuf:"bytes,3,req,name=destination_id,json=destinationId" json:"destination_id,omitempty"`
	Namespace       *string          `protobuf:"bytes,4,req,name=namespace" json:"namespace,omitempty"`
	PayloadType     *PayloadType     `protobuf:"varint,5,req,name=payload_type,json=payloadType,enum=extensions.api.cast_channel.CastMessage_PayloadType" json:"payload_type,omitempty"`
	PayloadUtf8     *string          `protobuf:"bytes,6,opt,name=payload_utf8,json=payloadUtf8" json:"payload_utf8,omitempty"`
	PayloadBinary   []byte           `protobuf:"bytes,7,opt,name=payload_binary,json=payloadBinary" json:"payload_binary,omitempty"`
}

func (m *CastMessage) Reset()         { *m = CastMessage{} }
func (m *CastMessage) String() string { return proto.CompactTextString(m) }
func (*CastMessage) ProtoMessage()    {}

func (m *CastMessage) GetProtocolVersion() ProtocolVersion {
	if m != nil && m.ProtocolVersion != nil {
		return *m.ProtocolVersion
	}
	return ProtocolVersionCASTV2_1_0
}

func (m *CastMessage) GetSourceId() string {
	if m != nil && m.SourceId != nil {
		return *m.SourceId
	}
	return ""
}

func (m *CastMessage) GetDestinationId() string {
	if m != nil && m.DestinationId != nil {
		return *m.DestinationId
	}
	return ""
}

func (m *CastMessage) GetNamespace() string {
	if m != nil && m.Namespace != nil {
		return *m.Namespace
	}
	return ""
}

func (m *CastMessage) GetPayloadType() PayloadType {
	if m != nil && m.PayloadType != nil {
		return *m.PayloadType
	}
	return PayloadTypeString
}

func (m *CastMessage) GetPayloadUtf8() string {
	if m != nil && m.PayloadUtf8 != nil {
		return *m.PayloadUtf8
	}
	return ""
}

func (m *CastMessage) GetPayloadBinary() []byte {
	if m != nil {
		return m.PayloadBinary
	}
	return nil
}

// Payload returns the payload field selected by the payload type.
func (m *CastMessage) Payload() []byte {
	if m.GetPayloadType() == PayloadTypeBinary {
		return m.GetPayloadBinary()
	}
	return []byte(m.GetPayloadUtf8())
}

// NewTextMessage builds a STRING envelope, normally carrying a JSON document.
func NewTextMessage(source, destination, namespace, payload string) *CastMessage {
	return &CastMessage{
		ProtocolVersion: ProtocolVersionCASTV2_1_0.Enum(),
		SourceId:        proto.String(source),
		DestinationId:   proto.String(destination),
		Namespace:       proto.String(namespace),
		PayloadType:     PayloadTypeString.Enum(),
		PayloadUtf8:     proto.String(payload),
	}
}

// NewBinaryMessage builds a BINARY envelope.
func NewBinaryMessage(source, destination, namespace string, payload []byte) *CastMessage {
	return &CastMessage{
		ProtocolVersion: ProtocolVersionCASTV2_1_0.Enum(),
		SourceId:        proto.String(source),
		DestinationId:   proto.String(destination),
		Namespace:       proto.String(namespace),
		PayloadType:     PayloadTypeBinary.Enum(),
		PayloadBinary:   payload,
	}
}

func init() {
	proto.RegisterEnum("extensions.api.cast_channel.CastMessage_ProtocolVersion", protocolVersionName, protocolVersionValue)
	proto.RegisterEnum("extensions.api.cast_channel.CastMessage_PayloadType", payloadTypeName, payloadTypeValue)
	proto.RegisterType((*CastMessage)(nil), "extensions.api.cast_channel.CastMessage")
}
