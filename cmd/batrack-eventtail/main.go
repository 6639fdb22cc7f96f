// Command batrack-eventtail is a small operational helper that subscribes
// to a running station's trigger-event topic and prints each event as it
// arrives, one line per event. Grounded on doismellburning-samoyed's habit
// of shipping small single-purpose cmd/samoyed-* utilities
// (samoyed-log2gpx, samoyed-ll2utm) alongside the main daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
)

func main() {
	host := pflag.StringP("mqtt-host", "H", "localhost", "MQTT broker host.")
	port := pflag.IntP("mqtt-port", "p", 1883, "MQTT broker port.")
	station := pflag.StringP("station", "s", "+", "Station hostname to tail, or '+' for all stations.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: batrack-eventtail [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", *host, *port)).
		SetClientID("batrack-eventtail").
		SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		fmt.Fprintf(os.Stderr, "batrack-eventtail: connect: %v\n", tok.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	topic := fmt.Sprintf("%s/batrack/+/+", *station)
	if tok := client.Subscribe(topic, 0, printEvent); tok.Wait() && tok.Error() != nil {
		fmt.Fprintf(os.Stderr, "batrack-eventtail: subscribe: %v\n", tok.Error())
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "tailing %s ...\n", topic)
	select {}
}

func printEvent(client mqtt.Client, msg mqtt.Message) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		fmt.Printf("%s %s <unparsable payload: %v>\n", time.Now().Format(time.RFC3339), msg.Topic(), err)
		return
	}
	fmt.Printf("%s %s %v\n", time.Now().Format(time.RFC3339), msg.Topic(), payload)
}
