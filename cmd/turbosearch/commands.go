package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/houseofcat/turbosearch/pkg/tsc"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the cluster is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {

		service, err := newService()
		if err != nil {
			return err
		}
		defer service.Shutdown()

		if err := service.Ping(cmd.Context()); err != nil {
			return err
		}

		fmt.Println("cluster is reachable")
		return nil
	},
}

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Discover and print the current cluster topology",
	RunE: func(cmd *cobra.Command, args []string) error {

		service, err := newService()
		if err != nil {
			return err
		}
		defer service.Shutdown()

		if service.Sniffer == nil {
			service.Sniffer = tsc.NewSniffer(
				&tsc.SnifferConfig{Enabled: true},
				service.ConnectionPool,
				service.Transport.Serializer())
		}

		if err := service.SniffNow(cmd.Context()); err != nil {
			return err
		}

		for _, host := range service.ConnectionPool.Connections() {
			state := "alive"
			if !host.IsAlive() {
				state = "dead"
			}
			fmt.Printf("%s\t%s\n", host.Identity, state)
		}

		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [path]",
	Short: "Send one request to the cluster and print the response body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {

		method, _ := cmd.Flags().GetString("method")
		body, _ := cmd.Flags().GetString("body")

		service, err := newService()
		if err != nil {
			return err
		}
		defer service.Shutdown()

		descriptor := &tsc.RequestDescriptor{
			Method: strings.ToUpper(method),
			Path:   args[0],
		}

		// @file means read the body from disk, anything else is inline JSON.
		if strings.HasPrefix(body, "@") {
			raw, err := os.ReadFile(strings.TrimPrefix(body, "@"))
			if err != nil {
				return err
			}
			descriptor.RawBody = raw
		} else if body != "" {
			descriptor.RawBody = []byte(body)
		}

		envelope, err := service.Request(cmd.Context(), descriptor)
		if err != nil {
			return err
		}

		fmt.Printf("status: %d (attempts: %d)\n", envelope.StatusCode, envelope.Attempts)
		if len(envelope.Body) > 0 {
			fmt.Println(string(envelope.Body))
		}

		return envelope.Err()
	},
}

var bulkCmd = &cobra.Command{
	Use:   "bulk [file]",
	Short: "Stream a newline-delimited bulk file to the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		service, err := newService()
		if err != nil {
			return err
		}
		defer service.Shutdown()

		envelope, err := service.Request(cmd.Context(), &tsc.RequestDescriptor{
			Method:  http.MethodPost,
			Path:    "/_bulk",
			RawBody: raw,
			Headers: http.Header{"Content-Type": []string{"application/x-ndjson"}},
		})
		if err != nil {
			return err
		}

		fmt.Printf("status: %d (attempts: %d)\n", envelope.StatusCode, envelope.Attempts)
		if len(envelope.Body) > 0 {
			fmt.Println(string(envelope.Body))
		}

		return envelope.Err()
	},
}

func init() {
	queryCmd.Flags().String("method", http.MethodGet, "HTTP method for the request")
	queryCmd.Flags().String("body", "", "inline JSON body, or @path to read a file")
}
