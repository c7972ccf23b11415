package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"multiplay/client"
	"multiplay/protocol"
	"multiplay/server"
	"multiplay/world"
)

// multiplay 入口：启动 TCP 命令中继、Tick 循环以及 HTTP 管理/WebSocket 接入；
// 指定 -dial 时作为命令行客户端运行
func main() {
	cfg := server.DefaultConfig()
	var (
		httpAddr string
		logCfg   server.LogConfig
		width    int
		height   int
		seed     int64
		dial     string
		name     string
	)
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "TCP relay listen address, e.g. :7777")
	flag.StringVar(&httpAddr, "http", ":8080", "admin + websocket listen address; empty disables")
	flag.IntVar(&cfg.TickRate, "tps", cfg.TickRate, "simulation ticks per second")
	flag.IntVar(&cfg.ReadChunkSize, "chunk", cfg.ReadChunkSize, "bytes read per socket read")
	flag.IntVar(&cfg.MaxFrameSize, "max-frame", cfg.MaxFrameSize, "maximum frame size in bytes")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "time allowed for the hello frame")
	flag.IntVar(&cfg.SendQueue, "send-queue", cfg.SendQueue, "outbound frames buffered per client")
	flag.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "per-read timeout on TCP clients; a client silent for 4 timeouts is dropped (0 disables)")
	flag.StringVar(&logCfg.File, "log-file", "", "log file (rolled); empty logs to stderr")
	flag.StringVar(&logCfg.Level, "log-level", "info", "log level")
	flag.IntVar(&width, "width", 100, "arena width")
	flag.IntVar(&height, "height", 100, "arena height")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "arena random seed")
	flag.StringVar(&dial, "dial", "", "run as a client connected to this relay address")
	flag.StringVar(&name, "name", "", "client name sent in the hello frame; empty lets the relay assign one")
	flag.Parse()

	if err := server.InitLogger(logCfg); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer server.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dial != "" {
		if err := runClient(ctx, dial, name); err != nil {
			server.Log.Errorf("client: %v", err)
			os.Exit(1)
		}
		return
	}
	if err := runServer(ctx, cfg, httpAddr, world.Options{Width: width, Height: height, Seed: seed}); err != nil {
		server.Log.Errorf("relay: %v", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg server.Config, httpAddr string, opts world.Options) error {
	metrics := &server.Metrics{}
	store := server.NewCommandStore()
	srv := server.NewServer(cfg, store,
		server.WithHandshake(server.HelloHandshake(cfg.HandshakeTimeout, cfg.MaxFrameSize)),
		server.WithMetrics(metrics),
	)

	opts.Log = server.Log.Named("world")
	arena := world.NewArena(opts)
	bridge := server.NewBridge(store, srv, arena, metrics, server.Log.Named("bridge"))
	loop := server.NewLoop(bridge, arena, cfg.TickInterval(), metrics)

	if err := srv.Start(); err != nil {
		return err
	}

	var httpSrv *http.Server
	if httpAddr != "" {
		mux := http.NewServeMux()
		server.NewAdmin(srv, loop).Register(mux)
		mux.Handle("/ws", server.NewGateway(srv))
		httpSrv = &http.Server{Addr: httpAddr, Handler: mux}
		go func() {
			server.Log.Infof("admin listening on %s", httpAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				server.Log.Errorf("admin listen: %v", err)
			}
		}()
	}

	// 模拟协程：唯一访问世界状态的协程
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	<-ctx.Done()
	server.Log.Info("Shutting down...")
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	<-loopDone
	if err := srv.Stop(); err != nil && !errors.Is(err, server.ErrAlreadyStopped) {
		return err
	}
	return nil
}

// runClient 从标准输入读取 "kind argument" 行并发送，同时打印服务端转发的消息
func runClient(ctx context.Context, addr, name string) error {
	c, err := client.Dial(ctx, addr, name)
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		for {
			cmd, err := c.Receive()
			if err != nil {
				if !client.IsClosed(err) {
					server.Log.Warnf("receive: %v", err)
				}
				return
			}
			fmt.Printf("[%s] %s\n", cmd.Kind, cmd.Argument)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}
		kind, arg, err := client.ParseLine(scanner.Text())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if kind == protocol.KindQuit {
			return c.Quit()
		}
		if err := c.Send(kind, arg); err != nil {
			return err
		}
	}
	return scanner.Err()
}
