// Command gonote is a minimal terminal client: stdin lines are appended
// to the shared document, remote changes are printed as they arrive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"
	"unicode/utf8"

	"github.com/ilnaes/gonote/internal/client"
	"github.com/ilnaes/gonote/internal/discovery"
)

func main() {
	host := flag.String("host", "127.0.0.1:8080", "server address")
	channel := flag.String("channel", "edit", "read or edit")
	password := flag.String("password", "", "channel password")
	discover := flag.Bool("discover", false, "browse the LAN for sessions and exit")
	flag.Parse()

	if *discover {
		sessions, err := discovery.Browse(context.Background(), 3*time.Second)
		if err != nil {
			log.Fatal(err)
		}
		for _, s := range sessions {
			fmt.Printf("%s\t%s\n", s.Name, s.Addr)
		}
		return
	}

	c := client.New(client.Options{
		Host:     *host,
		Channel:  *channel,
		Password: *password,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go c.Run(ctx)

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			c.Insert(utf8.RuneCountInString(c.Text()), sc.Text()+"\n")
		}
		c.Close()
		stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Events():
			switch ev := ev.(type) {
			case client.Connected:
				log.Println("connected")
			case client.IdentityAssigned:
				log.Println("assigned id", ev.ID)
			case client.DocUpdated:
				fmt.Println("---")
				fmt.Print(ev.Text)
			case client.UsersUpdated:
				log.Println(len(ev.Users), "participant(s)")
			case client.ServerDown:
				log.Println("server down, retrying")
			case client.IncorrectPassword:
				log.Fatal("incorrect password")
			case client.Disconnected:
				log.Println("disconnected")
			}
		}
	}
}
