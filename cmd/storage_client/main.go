package main

import (
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
)

var flagServerAddr *cli.StringFlag = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "Storage orchestration server address",
}
var flagCallerID *cli.StringFlag = &cli.StringFlag{
	Name:  "caller-id",
	Value: "cli",
	Usage: "Caller identity sent with each request",
}
var flagOutput *cli.StringFlag = &cli.StringFlag{
	Name:  "output",
	Usage: "Output file path, defaults to stdout",
}
var flagPermanent *cli.BoolFlag = &cli.BoolFlag{
	Name:  "permanent",
	Usage: "Request archival placement",
}
var flagCritical *cli.BoolFlag = &cli.BoolFlag{
	Name:  "critical",
	Usage: "Request an extra backup placement",
}
var flagEncrypt *cli.BoolFlag = &cli.BoolFlag{
	Name:  "encrypt",
	Usage: "Encrypt the file before placement",
}
var flagTags *cli.StringFlag = &cli.StringFlag{
	Name:  "tags",
	Usage: "Comma-separated tags to attach to the upload",
}

func main() {
	app := &cli.App{
		Name:  "storage client",
		Usage: "Upload, download and manage files on a storage orchestration server",
		Flags: []cli.Flag{
			flagServerAddr,
			flagCallerID,
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "Upload one file",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					flagPermanent,
					flagCritical,
					flagEncrypt,
					flagTags,
				},
				Action: func(cCtx *cli.Context) error {
					c := newClient(cCtx)
					return c.Upload(cCtx.Args().First(), cCtx)
				},
			},
			{
				Name:      "download",
				Usage:     "Download a file's contents",
				ArgsUsage: "<file-id>",
				Flags:     []cli.Flag{flagOutput},
				Action: func(cCtx *cli.Context) error {
					c := newClient(cCtx)
					return c.Download(cCtx.Args().First(), cCtx.String(flagOutput.Name))
				},
			},
			{
				Name:      "record",
				Usage:     "Print a file's metadata record",
				ArgsUsage: "<file-id>",
				Action: func(cCtx *cli.Context) error {
					c := newClient(cCtx)
					return c.printJSON("GET", "/api/files/"+url.PathEscape(cCtx.Args().First()), nil)
				},
			},
			{
				Name:  "list",
				Usage: "List file records",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Usage: "filter by owner"},
					&cli.StringFlag{Name: "category", Usage: "filter by category"},
					&cli.StringFlag{Name: "text", Usage: "substring match on name and description"},
				},
				Action: func(cCtx *cli.Context) error {
					c := newClient(cCtx)
					q := url.Values{}
					for _, name := range []string{"owner", "category", "text"} {
						if v := cCtx.String(name); v != "" {
							q.Set(name, v)
						}
					}
					path := "/api/files"
					if len(q) > 0 {
						path += "?" + q.Encode()
					}
					return c.printJSON("GET", path, nil)
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove a file's placements and record",
				ArgsUsage: "<file-id>",
				Action: func(cCtx *cli.Context) error {
					c := newClient(cCtx)
					return c.printJSON("DELETE", "/api/files/"+url.PathEscape(cCtx.Args().First()), nil)
				},
			},
			{
				Name:      "share",
				Usage:     "Grant another caller access to a file",
				ArgsUsage: "<file-id> <grantee-id>",
				Action: func(cCtx *cli.Context) error {
					c := newClient(cCtx)
					fileID := cCtx.Args().Get(0)
					grantee := cCtx.Args().Get(1)
					body := fmt.Sprintf(`{"granteeId":%q,"permissions":["read"]}`, grantee)
					return c.printJSON("POST", "/api/files/"+url.PathEscape(fileID)+"/shares", strings.NewReader(body))
				},
			},
			{
				Name:      "revoke",
				Usage:     "Revoke a share grant",
				ArgsUsage: "<file-id> <share-id>",
				Action: func(cCtx *cli.Context) error {
					c := newClient(cCtx)
					fileID := cCtx.Args().Get(0)
					shareID := cCtx.Args().Get(1)
					return c.printJSON("DELETE", "/api/files/"+url.PathEscape(fileID)+"/shares/"+url.PathEscape(shareID), nil)
				},
			},
			{
				Name:  "backends",
				Usage: "Print backend health",
				Action: func(cCtx *cli.Context) error {
					c := newClient(cCtx)
					return c.printJSON("GET", "/api/backends/health", nil)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type client struct {
	baseURL  string
	callerID string
	http     *http.Client
}

func newClient(cCtx *cli.Context) *client {
	return &client{
		baseURL:  strings.TrimRight(cCtx.String(flagServerAddr.Name), "/"),
		callerID: cCtx.String(flagCallerID.Name),
		http:     http.DefaultClient,
	}
}

func (c *client) do(method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Caller-Id", c.callerID)
	return c.http.Do(req)
}

func (c *client) printJSON(method, path string, body io.Reader) error {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	resp, err := c.do(method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed (%s): %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Println(strings.TrimSpace(string(out)))
	return nil
}

func (c *client) Upload(path string, cCtx *cli.Context) error {
	if path == "" {
		return fmt.Errorf("upload requires a file path")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for name, value := range map[string]string{
			"permanent": boolField(cCtx.Bool(flagPermanent.Name)),
			"critical":  boolField(cCtx.Bool(flagCritical.Name)),
			"encrypt":   boolField(cCtx.Bool(flagEncrypt.Name)),
			"tags":      cCtx.String(flagTags.Name),
		} {
			if value != "" {
				if err := mw.WriteField(name, value); err != nil {
					pw.CloseWithError(err)
					return
				}
			}
		}
		fw, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(fw, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	resp, err := c.do(http.MethodPost, "/api/files", pr, mw.FormDataContentType())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload failed (%s): %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Println(strings.TrimSpace(string(out)))
	return nil
}

func (c *client) Download(fileID, outPath string) error {
	if fileID == "" {
		return fmt.Errorf("download requires a file id")
	}
	resp, err := c.do(http.MethodGet, "/api/files/"+url.PathEscape(fileID)+"/content", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		out, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("download failed (%s): %s", resp.Status, strings.TrimSpace(string(out)))
	}

	var dst io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}

func boolField(v bool) string {
	if v {
		return "true"
	}
	return ""
}
