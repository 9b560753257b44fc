// Command vision-sim multicasts synthetic SSL-Vision packets so the vision
// bridge can be exercised without cameras.
//
// Usage:
//
//	go run ./cmd/tools/vision-sim [flags]
//
// Flags:
//
//	-group     Multicast group (default: 224.5.23.2)
//	-port      Destination port (default: 10006)
//	-rate      Frames per second (default: 60)
//	-robots    Robots per team (default: 6)
//	-count     Stop after this many frames, 0 runs until interrupted
//	-pcap      Write the generated datagrams to a capture file instead of sending
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
)

func main() {
	group := flag.String("group", "224.5.23.2", "Multicast group")
	port := flag.Int("port", 10006, "Destination port")
	rate := flag.Float64("rate", 60, "Frames per second")
	robots := flag.Int("robots", 6, "Robots per team")
	count := flag.Int("count", 0, "Stop after this many frames (0 = unlimited)")
	pcapPath := flag.String("pcap", "", "Write a capture file instead of sending")
	flag.Parse()

	if *rate <= 0 {
		log.Fatal("Error: -rate must be positive")
	}
	sim := NewSimulator(*robots)
	interval := time.Duration(float64(time.Second) / *rate)

	if *pcapPath != "" {
		n := *count
		if n <= 0 {
			n = int(*rate) * 10
		}
		if err := writeCapture(*pcapPath, sim, n, interval, *port); err != nil {
			log.Fatalf("failed to write capture: %v", err)
		}
		log.Printf("wrote %d frames to %s", n, *pcapPath)
		return
	}

	conn, err := dialMulticast(*group, *port)
	if err != nil {
		log.Fatalf("failed to open multicast socket: %v", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("sending %.0f fps to %s:%d", *rate, *group, *port)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for sent := 0; *count == 0 || sent < *count; sent++ {
		select {
		case <-ctx.Done():
			log.Printf("sent %d frames", sent)
			return
		case now := <-ticker.C:
			if _, err := conn.Write(sim.Next(now.Sub(start))); err != nil {
				log.Printf("send failed: %v", err)
			}
		}
	}
	log.Printf("sent %d frames", *count)
}

func dialMulticast(group string, port int) (*net.UDPConn, error) {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%q is not a multicast address", group)
	}
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(1); err != nil {
		log.Printf("Warning: failed to set multicast TTL: %v", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		log.Printf("Warning: failed to enable multicast loopback: %v", err)
	}
	return conn, nil
}

