package main

// Seeded Modbus TCP slave for bench-testing the gateway without
// hardware.
import (
	"log"
	"os"
	"time"

	"github.com/tbrandon/mbserver"
)

func main() {
	addr := os.Getenv("MB_LISTEN_ADDR")
	if addr == "" {
		addr = ":1502"
	}

	srv := mbserver.NewServer()
	// Seed a few registers/coils
	srv.HoldingRegisters[100] = 42
	srv.HoldingRegisters[101] = 0xFFFF // -1 as INT16
	srv.HoldingRegisters[200] = 7
	srv.InputRegisters[0] = 321
	srv.Coils[0] = 1
	srv.Coils[1] = 1
	srv.Coils[2] = 0
	srv.DiscreteInputs[0] = 0

	if err := srv.ListenTCP(addr); err != nil {
		log.Fatalf("ListenTCP: %v", err)
	}
	defer srv.Close()
	log.Printf("Modbus TCP slave listening on %s", addr)
	// Wait forever
	for {
		time.Sleep(1 * time.Second)
	}
}
