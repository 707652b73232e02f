package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wakeword_relay/internal/models"
	"wakeword_relay/internal/utils"
)

func writeWAV(t *testing.T, rate int, pcm []byte) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestRunReplaysWAV(t *testing.T) {
	var mu sync.Mutex
	var received [][]byte
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			mu.Lock()
			received = append(received, data)
			n := len(received)
			mu.Unlock()
			if n == 2 {
				conn.WriteJSON(models.NewWakeEvent(1, "porcupine"))
				conn.WriteJSON(models.NewErrorEvent("bad frame"))
			}
		}
	}))
	defer srv.Close()

	wav := writeWAV(t, 16000, make([]byte, 2500))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	var out bytes.Buffer
	err := run(context.Background(), []string{
		"-url", url, "-wav", wav, "-chunk", "512", "-realtime=false", "-wait", "500ms", "-log-level", "error",
	}, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "wake keywordIndex=1 keyword=porcupine")
	assert.Contains(t, out.String(), "error bad frame")
	assert.Contains(t, out.String(), "chunks=3 wakes=1 errors=1")
	srv.Close()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	assert.Len(t, received[0], 1024)
	assert.Len(t, received[2], 452)
}

func TestRunRejectsWrongSampleRate(t *testing.T) {
	wav := writeWAV(t, 8000, make([]byte, 100))
	err := run(context.Background(), []string{"-url", "ws://127.0.0.1:1", "-wav", wav}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "8000")
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"没有输入", nil},
		{"同时指定两种输入", []string{"-wav", "a.wav", "-pcap", "a.pcap"}},
		{"无效分块", []string{"-wav", "a.wav", "-chunk", "0"}},
		{"无效端口", []string{"-pcap", "a.pcap", "-port", "70000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args)
			assert.Error(t, err)
		})
	}

	f, err := parseFlags([]string{"-pcap", "a.pcap", "-port", "8443"})
	require.NoError(t, err)
	assert.Equal(t, uint(8443), f.port)
	assert.True(t, f.realtime)
	assert.False(t, f.urlSet)

	f, err = parseFlags([]string{"-pcap", "a.pcap", "-url", "ws://localhost:5000/ws-audio"})
	require.NoError(t, err)
	assert.True(t, f.urlSet)
}

// writePCAP 把一段客户端负载写成单个TCP包
func writePCAP(t *testing.T, port uint16, payload []byte) string {
	t.Helper()

	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 2),
		DstIP:    net.IPv4(10, 0, 0, 1),
	}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: layers.TCPPort(port), Seq: 1, ACK: true, PSH: true, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: len(data), Length: len(data)}
	require.NoError(t, w.WritePacket(ci, data))

	path := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

func TestLoadChunksUsesCapturedPath(t *testing.T) {
	audio := bytes.Repeat([]byte{7, 0}, 64)
	mask := [4]byte{1, 2, 3, 4}
	masked := append([]byte(nil), audio...)
	ws.Cipher(masked, mask, 0)

	var payload bytes.Buffer
	payload.WriteString("GET /relay/wake HTTP/1.1\r\nHost: 10.0.0.1:6000\r\nUpgrade: websocket\r\n" +
		"Connection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n")
	require.NoError(t, ws.WriteHeader(&payload, ws.Header{Fin: true, OpCode: ws.OpBinary, Masked: true, Mask: mask, Length: int64(len(audio))}))
	payload.Write(masked)

	f, err := parseFlags([]string{"-pcap", writePCAP(t, 6000, payload.Bytes()), "-port", "6000"})
	require.NoError(t, err)

	chunks, handshake, err := loadChunks(f)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, audio, chunks[0])
	require.NotNil(t, handshake)
	assert.Equal(t, "/relay/wake", handshake.Path)

	target, err := resolveURL(f.url, f.urlSet, handshake)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:5000/relay/wake", target)
}

func TestResolveURL(t *testing.T) {
	hs := &utils.WebSocketHandshake{Path: "/captured"}
	tests := []struct {
		name     string
		raw      string
		explicit bool
		hs       *utils.WebSocketHandshake
		want     string
	}{
		{"使用抓包路径", "ws://127.0.0.1:5000/ws-audio", false, hs, "ws://127.0.0.1:5000/captured"},
		{"显式地址优先", "wss://relay.example.com/custom", true, hs, "wss://relay.example.com/custom"},
		{"没有握手", "ws://127.0.0.1:5000/ws-audio", false, nil, "ws://127.0.0.1:5000/ws-audio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveURL(tt.raw, tt.explicit, tt.hs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := resolveURL("ws://[::1", false, hs)
	assert.Error(t, err)
}
