package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// client talks to the arena admin API. JSON-bodied requests carry the
// admin credential in the admin-pwd field; raw uploads use HTTP Basic.
type client struct {
	url      string
	adminPwd string
}

func (c *client) call(cmd *cobra.Command, method, path string, body map[string]any) error {
	var reader io.Reader
	if body != nil {
		if c.adminPwd != "" {
			body["admin-pwd"] = c.adminPwd
		}
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method,
		strings.TrimRight(c.url, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminPwd != "" {
		req.SetBasicAuth("admin", c.adminPwd)
	}
	return c.do(cmd, req)
}

func (c *client) upload(cmd *cobra.Command, path string, data []byte) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPut,
		strings.TrimRight(c.url, "/")+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/zip")
	if c.adminPwd == "" {
		return fmt.Errorf("upload requires --admin-pwd or ARENA_ADMIN_PWD")
	}
	req.SetBasicAuth("admin", c.adminPwd)
	return c.do(cmd, req)
}

func (c *client) do(cmd *cobra.Command, req *http.Request) error {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Description string `json:"description"`
		}
		if json.Unmarshal(body, &errBody) == nil && errBody.Description != "" {
			return fmt.Errorf("%s: %s", resp.Status, errBody.Description)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
	}
	return nil
}
