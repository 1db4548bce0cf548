package sensor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/jnarwell/wit-sub006/errors"
)

// ConnectionType names a transport family.
type ConnectionType string

const (
	ConnI2C       ConnectionType = "i2c"
	ConnSPI       ConnectionType = "spi"
	ConnUART      ConnectionType = "uart"
	ConnUSB       ConnectionType = "usb"
	ConnCAN       ConnectionType = "can"
	ConnModbusRTU ConnectionType = "modbus_rtu"
	ConnModbusTCP ConnectionType = "modbus_tcp"
	ConnOPCUA     ConnectionType = "opcua"
	ConnMQTT      ConnectionType = "mqtt"
	ConnTCP       ConnectionType = "tcp"
	ConnUDP       ConnectionType = "udp"
	ConnWebSocket ConnectionType = "websocket"
)

// ConnectionTypes lists every supported transport family.
var ConnectionTypes = []ConnectionType{
	ConnI2C, ConnSPI, ConnUART, ConnUSB, ConnCAN, ConnModbusRTU,
	ConnModbusTCP, ConnOPCUA, ConnMQTT, ConnTCP, ConnUDP, ConnWebSocket,
}

// ProtocolConfig is the transport-specific part of a sensor definition. The
// set of implementations is closed; each carries only the fields valid for
// its transport.
type ProtocolConfig interface {
	Kind() ConnectionType
	Validate() error
	protocol()
}

// I2C addresses a device on an I2C bus.
type I2C struct {
	Bus     int    `json:"bus"`
	Address uint16 `json:"address"`
}

// SPI addresses a device on an SPI bus.
type SPI struct {
	Bus        int    `json:"bus"`
	ChipSelect int    `json:"chip_select"`
	ClockHz    uint32 `json:"clock_hz"`
	Mode       uint8  `json:"mode"`
}

// UART is a serial line.
type UART struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	Parity   string `json:"parity"`
	StopBits int    `json:"stop_bits"`
}

// USB identifies a USB device.
type USB struct {
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Serial    string `json:"serial,omitempty"`
}

// CAN is a CAN bus frame source.
type CAN struct {
	Interface string `json:"interface"`
	Bitrate   int    `json:"bitrate"`
	FrameID   uint32 `json:"frame_id"`
	Extended  bool   `json:"extended"`
}

// ModbusRTU is a Modbus slave on a serial line.
type ModbusRTU struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	SlaveID  uint8  `json:"slave_id"`
	Register uint16 `json:"register"`
	Count    uint16 `json:"count"`
}

// ModbusTCP is a Modbus server reachable over TCP.
type ModbusTCP struct {
	Address  string `json:"address"`
	UnitID   uint8  `json:"unit_id"`
	Register uint16 `json:"register"`
	Count    uint16 `json:"count"`
}

// OPCUA subscribes to nodes on an OPC UA server. Nodes maps channel id to node id.
type OPCUA struct {
	Endpoint        string            `json:"endpoint"`
	Nodes           map[uint16]string `json:"nodes"`
	SecurityPolicy  string            `json:"security_policy,omitempty"`
	PublishInterval time.Duration     `json:"publish_interval,omitempty"`
}

// MQTT subscribes to a broker topic. Format is "json" or "binary".
type MQTT struct {
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	QoS      byte   `json:"qos"`
	ClientID string `json:"client_id,omitempty"`
	Format   string `json:"format"`
}

// TCP is a raw TCP stream endpoint.
type TCP struct {
	Address string `json:"address"`
}

// UDP listens for datagrams on a local address.
type UDP struct {
	Listen string `json:"listen"`
}

// WebSocket connects to a websocket endpoint.
type WebSocket struct {
	URL string `json:"url"`
}

func (I2C) Kind() ConnectionType       { return ConnI2C }
func (SPI) Kind() ConnectionType       { return ConnSPI }
func (UART) Kind() ConnectionType      { return ConnUART }
func (USB) Kind() ConnectionType       { return ConnUSB }
func (CAN) Kind() ConnectionType       { return ConnCAN }
func (ModbusRTU) Kind() ConnectionType { return ConnModbusRTU }
func (ModbusTCP) Kind() ConnectionType { return ConnModbusTCP }
func (OPCUA) Kind() ConnectionType     { return ConnOPCUA }
func (MQTT) Kind() ConnectionType      { return ConnMQTT }
func (TCP) Kind() ConnectionType       { return ConnTCP }
func (UDP) Kind() ConnectionType       { return ConnUDP }
func (WebSocket) Kind() ConnectionType { return ConnWebSocket }

func (I2C) protocol()       {}
func (SPI) protocol()       {}
func (UART) protocol()      {}
func (USB) protocol()       {}
func (CAN) protocol()       {}
func (ModbusRTU) protocol() {}
func (ModbusTCP) protocol() {}
func (OPCUA) protocol()     {}
func (MQTT) protocol()      {}
func (TCP) protocol()       {}
func (UDP) protocol()       {}
func (WebSocket) protocol() {}

func invalidProtocol(kind ConnectionType, format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%s: "+format, append([]any{kind}, args...)...),
		"sensor", "ValidateProtocol", "validate protocol")
}

func (p I2C) Validate() error {
	if p.Bus < 0 {
		return invalidProtocol(ConnI2C, "bus must be >= 0")
	}
	if p.Address > 0x3FF {
		return invalidProtocol(ConnI2C, "address 0x%x exceeds 10-bit range", p.Address)
	}
	return nil
}

func (p SPI) Validate() error {
	if p.Bus < 0 || p.ChipSelect < 0 {
		return invalidProtocol(ConnSPI, "bus and chip select must be >= 0")
	}
	if p.Mode > 3 {
		return invalidProtocol(ConnSPI, "mode %d not in 0..3", p.Mode)
	}
	return nil
}

func (p UART) Validate() error {
	if p.Port == "" {
		return invalidProtocol(ConnUART, "port is required")
	}
	if p.BaudRate <= 0 {
		return invalidProtocol(ConnUART, "baud rate must be positive")
	}
	if p.DataBits != 0 && (p.DataBits < 5 || p.DataBits > 9) {
		return invalidProtocol(ConnUART, "data bits %d not in 5..9", p.DataBits)
	}
	switch p.Parity {
	case "", "none", "even", "odd":
	default:
		return invalidProtocol(ConnUART, "unknown parity %q", p.Parity)
	}
	if p.StopBits != 0 && p.StopBits != 1 && p.StopBits != 2 {
		return invalidProtocol(ConnUART, "stop bits must be 1 or 2")
	}
	return nil
}

func (p USB) Validate() error {
	if p.VendorID == 0 {
		return invalidProtocol(ConnUSB, "vendor id is required")
	}
	return nil
}

func (p CAN) Validate() error {
	if p.Interface == "" {
		return invalidProtocol(ConnCAN, "interface is required")
	}
	if !p.Extended && p.FrameID > 0x7FF {
		return invalidProtocol(ConnCAN, "standard frame id 0x%x exceeds 11 bits", p.FrameID)
	}
	if p.FrameID > 0x1FFFFFFF {
		return invalidProtocol(ConnCAN, "frame id 0x%x exceeds 29 bits", p.FrameID)
	}
	return nil
}

func (p ModbusRTU) Validate() error {
	if p.Port == "" {
		return invalidProtocol(ConnModbusRTU, "port is required")
	}
	if p.BaudRate <= 0 {
		return invalidProtocol(ConnModbusRTU, "baud rate must be positive")
	}
	if p.SlaveID < 1 || p.SlaveID > 247 {
		return invalidProtocol(ConnModbusRTU, "slave id %d not in 1..247", p.SlaveID)
	}
	if p.Count == 0 || p.Count > 125 {
		return invalidProtocol(ConnModbusRTU, "register count %d not in 1..125", p.Count)
	}
	return nil
}

func (p ModbusTCP) Validate() error {
	if _, _, err := net.SplitHostPort(p.Address); err != nil {
		return invalidProtocol(ConnModbusTCP, "address %q: %v", p.Address, err)
	}
	if p.Count == 0 || p.Count > 125 {
		return invalidProtocol(ConnModbusTCP, "register count %d not in 1..125", p.Count)
	}
	return nil
}

func (p OPCUA) Validate() error {
	if err := validateURL(p.Endpoint, "opc.tcp"); err != nil {
		return invalidProtocol(ConnOPCUA, "endpoint: %v", err)
	}
	if len(p.Nodes) == 0 {
		return invalidProtocol(ConnOPCUA, "at least one node is required")
	}
	if p.PublishInterval < 0 {
		return invalidProtocol(ConnOPCUA, "publish interval must be >= 0")
	}
	return nil
}

func (p MQTT) Validate() error {
	if err := validateURL(p.Broker, "tcp", "ssl", "ws", "wss", "mqtt", "mqtts"); err != nil {
		return invalidProtocol(ConnMQTT, "broker: %v", err)
	}
	if p.Topic == "" {
		return invalidProtocol(ConnMQTT, "topic is required")
	}
	if p.QoS > 2 {
		return invalidProtocol(ConnMQTT, "qos %d not in 0..2", p.QoS)
	}
	switch p.Format {
	case "", "json", "binary":
	default:
		return invalidProtocol(ConnMQTT, "unknown payload format %q", p.Format)
	}
	return nil
}

func (p TCP) Validate() error {
	if _, _, err := net.SplitHostPort(p.Address); err != nil {
		return invalidProtocol(ConnTCP, "address %q: %v", p.Address, err)
	}
	return nil
}

func (p UDP) Validate() error {
	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return invalidProtocol(ConnUDP, "listen address %q: %v", p.Listen, err)
	}
	return nil
}

func (p WebSocket) Validate() error {
	if err := validateURL(p.URL, "ws", "wss"); err != nil {
		return invalidProtocol(ConnWebSocket, "url: %v", err)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}

type protocolEnvelope struct {
	Kind ConnectionType `json:"kind"`
}

// MarshalProtocol encodes p as a JSON object with a "kind" discriminator.
func MarshalProtocol(p ProtocolConfig) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(p.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// UnmarshalProtocol decodes and validates a protocol object produced by MarshalProtocol.
func UnmarshalProtocol(data []byte) (ProtocolConfig, error) {
	var env protocolEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(err, "sensor", "UnmarshalProtocol", "decode protocol kind")
	}

	var p ProtocolConfig
	var err error
	switch env.Kind {
	case ConnI2C:
		p, err = decodeAs[I2C](data)
	case ConnSPI:
		p, err = decodeAs[SPI](data)
	case ConnUART:
		p, err = decodeAs[UART](data)
	case ConnUSB:
		p, err = decodeAs[USB](data)
	case ConnCAN:
		p, err = decodeAs[CAN](data)
	case ConnModbusRTU:
		p, err = decodeAs[ModbusRTU](data)
	case ConnModbusTCP:
		p, err = decodeAs[ModbusTCP](data)
	case ConnOPCUA:
		p, err = decodeAs[OPCUA](data)
	case ConnMQTT:
		p, err = decodeAs[MQTT](data)
	case ConnTCP:
		p, err = decodeAs[TCP](data)
	case ConnUDP:
		p, err = decodeAs[UDP](data)
	case ConnWebSocket:
		p, err = decodeAs[WebSocket](data)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown connection type %q", env.Kind),
			"sensor", "UnmarshalProtocol", "resolve protocol kind")
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "sensor", "UnmarshalProtocol", "decode protocol")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeAs[T ProtocolConfig](data []byte) (ProtocolConfig, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
