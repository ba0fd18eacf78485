// ceqpctl is a command-line CEQP controller: it connects to a running
// ceqpd (or the original server) and issues memory, module, and
// pointer-chain requests.
//
// Usage:
//
//	ceqpctl [-addr host:port] ping
//	ceqpctl read <addr> <len>
//	ceqpctl [-kind hex|u8|...|f64] [-base 10|16] write <addr> <value>
//	ceqpctl modbase <module>
//	ceqpctl modread <module> <offset> <len>
//	ceqpctl modwrite <module> <offset> <hexbytes>
//	ceqpctl [-len n] [-dtype u32ptr|u64ptr] chain <base|module+off> <offset>...
//	ceqpctl watch
//
// Flags come before the command (standard flag package ordering).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ceqpd/pkg/cehex"
	"ceqpd/pkg/client"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9178", "server address")
	length := flag.String("len", "", "read length (decimal or hex)")
	dtype := flag.String("dtype", "", "pointer width override for chain (u32ptr/u64ptr)")
	kind := flag.String("kind", "hex", "write value kind: hex|u8|u16|u32|u64|i8|i16|i32|i64|f32|f64")
	base := flag.Int("base", 16, "numeric base for integer write values (10 or 16)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c, err := client.Dial(*addr)
	if err != nil {
		fatal("connect %s: %v", *addr, err)
	}
	defer c.Close()

	switch args[0] {
	case "ping":
		if err := c.Ping(); err != nil {
			fatal("ping: %v", err)
		}
		fmt.Println("ok")

	case "read":
		need(args, 3, "read <addr> <len>")
		a := parseAddr(args[1])
		n := parseLen(args[2])
		data, err := c.ReadMemory(a, n)
		if err != nil {
			fatal("read: %v", err)
		}
		fmt.Println(cehex.BytesToHex(data))

	case "write":
		need(args, 3, "write <addr> <value>")
		a := parseAddr(args[1])
		data, err := cehex.EncodeValue(*kind, *base, args[2])
		if err != nil {
			fatal("write: %v", err)
		}
		if err := c.WriteMemory(a, data); err != nil {
			fatal("write: %v", err)
		}
		fmt.Printf("wrote %d bytes\n", len(data))

	case "modbase":
		need(args, 2, "modbase <module>")
		baseAddr, err := c.ModuleBase(args[1])
		if err != nil {
			fatal("modbase: %v", err)
		}
		fmt.Printf("0x%X\n", baseAddr)

	case "modread":
		need(args, 4, "modread <module> <offset> <len>")
		off, err := cehex.ParseOffset(args[2])
		if err != nil {
			fatal("modread: %v", err)
		}
		data, err := c.ReadModuleOffset(args[1], off, parseLen(args[3]))
		if err != nil {
			fatal("modread: %v", err)
		}
		fmt.Println(cehex.BytesToHex(data))

	case "modwrite":
		need(args, 4, "modwrite <module> <offset> <hexbytes>")
		off, err := cehex.ParseOffset(args[2])
		if err != nil {
			fatal("modwrite: %v", err)
		}
		data, err := cehex.HexToBytes(args[3])
		if err != nil {
			fatal("modwrite: %v", err)
		}
		if err := c.WriteModuleOffset(args[1], off, data); err != nil {
			fatal("modwrite: %v", err)
		}
		fmt.Printf("wrote %d bytes\n", len(data))

	case "chain":
		need(args, 3, "chain <base|module+off> <offset>...")
		baseAddr, err := c.ResolveBase(args[1])
		if err != nil {
			fatal("chain base: %v", err)
		}
		offsets := make([]int64, 0, len(args)-2)
		for _, s := range args[2:] {
			o, err := cehex.ParseOffset(s)
			if err != nil {
				fatal("chain offset %q: %v", s, err)
			}
			offsets = append(offsets, o)
		}
		var n uint32
		if *length != "" {
			n = parseLen(*length)
		}
		res, err := c.ReadPointerChain(baseAddr, offsets, *dtype, n)
		if err != nil {
			fatal("chain: %v", err)
		}
		fmt.Printf("addr=0x%X data=%s\n", res.Addr, cehex.BytesToHex(res.Data))

	case "watch":
		fmt.Println("watching (heartbeat every 2s, ctrl-c to stop)")
		stop := make(chan struct{})
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigc
			close(stop)
		}()
		c.KeepAlive(stop, func(err error) {
			fmt.Printf("disconnected: %v\n", err)
		})

	default:
		fatal("unknown command %q", args[0])
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatal("usage: ceqpctl %s", usage)
	}
}

func parseAddr(s string) uint64 {
	a, err := cehex.ParseAddress(s)
	if err != nil {
		fatal("bad address %q: %v", s, err)
	}
	return a
}

func parseLen(s string) uint32 {
	n, err := cehex.ParseLength(s)
	if err != nil {
		fatal("bad length %q: %v", s, err)
	}
	return n
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
