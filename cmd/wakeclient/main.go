// wakeclient 把WAV文件或抓包中的音频回放给唤醒服务，并打印收到的事件
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"wakeword_relay/internal/clients/ws"
	"wakeword_relay/internal/config"
	"wakeword_relay/internal/logger"
	"wakeword_relay/internal/models"
	"wakeword_relay/internal/utils"
)

const expectedSampleRate = 16000

type clientFlags struct {
	url      string
	urlSet   bool // 命令行显式指定了 -url
	wav      string
	pcap     string
	port     uint
	chunk    int
	realtime bool
	insecure bool
	wait     time.Duration
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Error().Err(err).Msg("回放失败")
		stop()
		os.Exit(1)
	}
}

func parseFlags(args []string) (*clientFlags, error) {
	f := &clientFlags{}
	fs := flag.NewFlagSet("wakeclient", flag.ContinueOnError)
	fs.StringVar(&f.url, "url", "ws://localhost:5000/ws-audio", "唤醒服务WebSocket地址")
	fs.StringVar(&f.wav, "wav", "", "16kHz单声道16位WAV文件")
	fs.StringVar(&f.pcap, "pcap", "", "包含客户端音频流的抓包文件")
	fs.UintVar(&f.port, "port", 5000, "抓包中服务器的端口")
	fs.IntVar(&f.chunk, "chunk", 512, "每条消息的采样点数")
	fs.BoolVar(&f.realtime, "realtime", true, "按音频时长限速发送")
	fs.BoolVar(&f.insecure, "insecure", false, "跳过证书校验")
	fs.DurationVar(&f.wait, "wait", 2*time.Second, "发送完后等待事件的时间")
	fs.StringVar(&f.logLevel, "log-level", "info", "日志级别")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == "url" {
			f.urlSet = true
		}
	})

	if (f.wav == "") == (f.pcap == "") {
		return nil, errors.New("必须且只能指定 -wav 或 -pcap 之一")
	}
	if f.chunk <= 0 {
		return nil, fmt.Errorf("-chunk 必须大于0: %d", f.chunk)
	}
	if f.port == 0 || f.port > 65535 {
		return nil, fmt.Errorf("-port 无效: %d", f.port)
	}
	return f, nil
}

// loadChunks 读取要发送的音频消息，抓包模式下同时返回录到的握手
func loadChunks(f *clientFlags) ([][]byte, *utils.WebSocketHandshake, error) {
	if f.wav != "" {
		file, err := os.Open(f.wav)
		if err != nil {
			return nil, nil, fmt.Errorf("打开WAV文件失败: %w", err)
		}
		defer file.Close()

		info, pcm, err := utils.ReadWAV(file)
		if err != nil {
			return nil, nil, err
		}
		if info.SampleRate != expectedSampleRate {
			return nil, nil, fmt.Errorf("%w: 采样率为%d，需要%d", utils.ErrUnsupportedFormat, info.SampleRate, expectedSampleRate)
		}
		return utils.SplitPCM(pcm, f.chunk), nil, nil
	}

	reader, err := utils.NewPCAPReader(f.pcap)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := reader.ReadAudio(uint16(f.port))
	if err != nil {
		return nil, nil, err
	}
	if len(chunks) == 0 {
		return nil, nil, fmt.Errorf("抓包中没有发往端口%d的音频", f.port)
	}
	handshake, err := reader.ExtractWebSocketHandshake(uint16(f.port))
	if err != nil {
		return nil, nil, err
	}
	return chunks, handshake, nil
}

// resolveURL 未显式指定 -url 时使用抓包握手中的路径
func resolveURL(raw string, explicit bool, hs *utils.WebSocketHandshake) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("无效的 -url: %w", err)
	}
	if hs == nil || hs.Path == "" || explicit {
		return u.String(), nil
	}
	u.Path = hs.Path
	u.RawPath = ""
	return u.String(), nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	lg := logger.New(config.LogConfig{Level: f.logLevel})

	chunks, handshake, err := loadChunks(f)
	if err != nil {
		return err
	}
	target, err := resolveURL(f.url, f.urlSet, handshake)
	if err != nil {
		return err
	}
	if handshake != nil {
		if u, _ := url.Parse(target); u != nil && u.Path != handshake.Path {
			lg.Warn().Str("url", target).Str("captured_path", handshake.Path).Msg("-url 路径与抓包握手不一致")
		}
	}

	client := ws.NewClient(ws.Config{
		URL:                target,
		InsecureSkipVerify: f.insecure,
	}, lg)

	var wakes, failures atomic.Int32
	client.RegisterHandler(models.EventWake, func(e models.Event) error {
		wakes.Add(1)
		fmt.Fprintf(out, "wake keywordIndex=%d keyword=%s\n", e.KeywordIndex, e.Keyword)
		return nil
	})
	client.RegisterHandler(models.EventError, func(e models.Event) error {
		failures.Add(1)
		fmt.Fprintf(out, "error %s\n", e.Message)
		return nil
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := client.SendInfo(map[string]interface{}{"source": "wakeclient", "chunks": len(chunks)}); err != nil {
		return err
	}

	if err := stream(ctx, client, chunks, f.realtime); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-client.Done():
	case <-time.After(f.wait):
	}
	if err := client.Close(); err != nil {
		lg.Debug().Err(err).Msg("关闭连接")
	}
	// 等接收循环退出后再读取计数和输出
	<-client.Done()
	if err := client.Err(); err != nil {
		return fmt.Errorf("服务端关闭连接: %w", err)
	}

	fmt.Fprintf(out, "chunks=%d wakes=%d errors=%d\n", len(chunks), wakes.Load(), failures.Load())
	lg.Info().Int("chunks", len(chunks)).Int32("wakes", wakes.Load()).Int32("errors", failures.Load()).Msg("回放完成")
	return nil
}

// stream 依次发送音频，realtime 时按采样时长限速
func stream(ctx context.Context, client *ws.Client, chunks [][]byte, realtime bool) error {
	start := time.Now()
	var sent time.Duration

	for _, chunk := range chunks {
		if err := client.SendAudio(chunk); err != nil {
			return err
		}
		if !realtime {
			continue
		}

		sent += time.Duration(len(chunk)/2) * time.Second / expectedSampleRate
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.Done():
			return client.Err()
		case <-time.After(time.Until(start.Add(sent))):
		}
	}
	return nil
}
