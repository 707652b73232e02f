package utils

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gobwas/ws"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"
)

// ErrTruncatedFrame WebSocket帧不完整
var ErrTruncatedFrame = errors.New("WebSocket帧不完整")

// CapturedMessage 从抓包中恢复的一条WebSocket消息
type CapturedMessage struct {
	Stream string // 客户端地址
	Opcode ws.OpCode
	Data   []byte
}

// WebSocketHandshake WebSocket握手信息
type WebSocketHandshake struct {
	Path     string
	Host     string
	Headers  map[string]string
	Protocol string
	Key      string
	Version  string
}

// PCAPReader 读取抓包文件，恢复客户端发往服务器的WebSocket消息
type PCAPReader struct {
	filename string
	data     []byte
}

// NewPCAPReader 打开pcap或pcapng文件
func NewPCAPReader(filename string) (*PCAPReader, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("打开PCAP文件失败: %w", err)
	}
	return &PCAPReader{filename: filename, data: data}, nil
}

// NewPCAPReaderFromBytes 从内存数据创建读取器
func NewPCAPReaderFromBytes(data []byte) *PCAPReader {
	return &PCAPReader{filename: "<memory>", data: data}
}

// packetSource 每次调用都从头读取
func (r *PCAPReader) packetSource() (*gopacket.PacketSource, error) {
	if reader, err := pcapgo.NewReader(bytes.NewReader(r.data)); err == nil {
		return gopacket.NewPacketSource(reader, reader.LinkType()), nil
	}
	ng, err := pcapgo.NewNgReader(bytes.NewReader(r.data), pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("解析PCAP文件%s失败: %w", r.filename, err)
	}
	return gopacket.NewPacketSource(ng, ng.LinkType()), nil
}

// tcpStream 单个方向重组后的TCP负载，出现缺口后的数据不再使用
type tcpStream struct {
	key     string
	payload []byte
	gap     bool
}

func (s *tcpStream) Reassembled(reassemblies []tcpassembly.Reassembly) {
	for _, r := range reassemblies {
		if s.gap {
			return
		}
		// 抓包从连接中途开始时第一段 Skip 为 -1
		if r.Skip > 0 {
			s.gap = true
			return
		}
		s.payload = append(s.payload, r.Bytes...)
	}
}

func (s *tcpStream) ReassemblyComplete() {}

// streamFactory 按首次出现顺序记录所有流
type streamFactory struct {
	streams []*tcpStream
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	s := &tcpStream{key: fmt.Sprintf("%s:%s", netFlow.Src(), tcpFlow.Src())}
	f.streams = append(f.streams, s)
	return s
}

// streams 重组所有发往 serverPort 的TCP流，乱序和重传由 tcpassembly 处理
func (r *PCAPReader) streams(serverPort uint16) ([]*tcpStream, error) {
	source, err := r.packetSource()
	if err != nil {
		return nil, err
	}

	factory := &streamFactory{}
	assembler := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(factory))

	for packet := range source.Packets() {
		nl := packet.NetworkLayer()
		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if nl == nil || tcpLayer == nil {
			continue
		}
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok || uint16(tcp.DstPort) != serverPort {
			continue
		}
		assembler.AssembleWithTimestamp(nl.NetworkFlow(), tcp, packet.Metadata().Timestamp)
	}
	assembler.FlushAll()

	return factory.streams, nil
}

// ExtractWebSocketHandshake 提取第一个WebSocket握手请求，没有时返回nil
func (r *PCAPReader) ExtractWebSocketHandshake(serverPort uint16) (*WebSocketHandshake, error) {
	streams, err := r.streams(serverPort)
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		handshake, _, err := readHandshake(s.payload)
		if err != nil || handshake == nil {
			continue
		}
		return handshake, nil
	}
	return nil, nil
}

// ReadWebSocketMessages 解析客户端发往服务器的所有WebSocket消息，分片消息会被合并
func (r *PCAPReader) ReadWebSocketMessages(serverPort uint16) ([]CapturedMessage, error) {
	streams, err := r.streams(serverPort)
	if err != nil {
		return nil, err
	}

	var messages []CapturedMessage
	for _, s := range streams {
		data := s.payload
		if _, body, err := readHandshake(data); err == nil {
			data = body
		}
		msgs, err := decodeFrames(data)
		for i := range msgs {
			msgs[i].Stream = s.key
		}
		messages = append(messages, msgs...)
		if err != nil && !errors.Is(err, ErrTruncatedFrame) {
			return messages, err
		}
	}
	return messages, nil
}

// ReadAudio 只返回二进制消息的数据
func (r *PCAPReader) ReadAudio(serverPort uint16) ([][]byte, error) {
	messages, err := r.ReadWebSocketMessages(serverPort)
	if err != nil {
		return nil, err
	}
	var chunks [][]byte
	for _, m := range messages {
		if m.Opcode == ws.OpBinary {
			chunks = append(chunks, m.Data)
		}
	}
	return chunks, nil
}

// readHandshake 解析流开头的HTTP升级请求，返回握手信息和其后的数据
func readHandshake(data []byte) (*WebSocketHandshake, []byte, error) {
	if !bytes.HasPrefix(data, []byte("GET ")) {
		return nil, data, fmt.Errorf("不是HTTP请求")
	}
	end := bytes.Index(data, []byte("\r\n\r\n"))
	if end < 0 {
		return nil, data, fmt.Errorf("HTTP请求头不完整")
	}
	end += 4

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data[:end])))
	if err != nil {
		return nil, data, fmt.Errorf("无效的HTTP请求: %w", err)
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return nil, data[end:], fmt.Errorf("不是WebSocket握手")
	}

	handshake := &WebSocketHandshake{
		Path:     req.URL.Path,
		Host:     req.Host,
		Headers:  make(map[string]string, len(req.Header)),
		Protocol: req.Header.Get("Sec-WebSocket-Protocol"),
		Key:      req.Header.Get("Sec-WebSocket-Key"),
		Version:  req.Header.Get("Sec-WebSocket-Version"),
	}
	for k := range req.Header {
		handshake.Headers[k] = req.Header.Get(k)
	}
	return handshake, data[end:], nil
}

// decodeFrames 依次解析WebSocket帧并去掉掩码
func decodeFrames(data []byte) ([]CapturedMessage, error) {
	var messages []CapturedMessage
	var current *CapturedMessage

	r := bytes.NewReader(data)
	for r.Len() > 0 {
		h, err := ws.ReadHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return messages, ErrTruncatedFrame
			}
			return messages, fmt.Errorf("解析WebSocket帧头失败: %w", err)
		}
		if h.Length < 0 || h.Length > int64(r.Len()) {
			return messages, ErrTruncatedFrame
		}
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return messages, ErrTruncatedFrame
		}
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
		}

		switch h.OpCode {
		case ws.OpClose:
			return messages, nil
		case ws.OpPing, ws.OpPong:
			continue
		case ws.OpContinuation:
			if current == nil {
				return messages, fmt.Errorf("意外的延续帧")
			}
			current.Data = append(current.Data, payload...)
		case ws.OpText, ws.OpBinary:
			current = &CapturedMessage{Opcode: h.OpCode, Data: payload}
		default:
			return messages, fmt.Errorf("未知的操作码: %#x", byte(h.OpCode))
		}

		if h.Fin && current != nil {
			messages = append(messages, *current)
			current = nil
		}
	}
	return messages, nil
}
