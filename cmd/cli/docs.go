package main

import (
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/medledger/internal/model"
	"github.com/and161185/medledger/internal/service"
)

func docsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Upload, download and comment on medical documents",
	}
	cmd.AddCommand(docsUploadCmd(c), docsDownloadCmd(c), docsCommentCmd(c))
	return cmd
}

// readUpload loads a file ("-" for stdin) and derives its content type from the extension.
func readUpload(path string, stdin io.Reader) (model.FileUpload, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return model.FileUpload{}, err
	}
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return model.FileUpload{Name: filepath.Base(path), ContentType: ct, Data: data}, nil
}

func docsUploadCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file.pdf>",
		Short: "Store a PDF and attach it to a patient's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readUpload(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				f.Name = name
			}
			if ct, _ := cmd.Flags().GetString("type"); ct != "" {
				f.ContentType = ct
			}
			a, err := c.writer(cmd.Context())
			if err != nil {
				return err
			}
			patient := a.account
			if v, _ := cmd.Flags().GetString("patient"); v != "" {
				if patient, err = parseAddressArg(v); err != nil {
					return err
				}
			}
			doc, r, err := a.records.Upload(cmd.Context(), a.account, patient, f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"document": doc, "receipt": r})
		},
	}
	cmd.Flags().String("patient", "", "patient address (default: the signing account)")
	cmd.Flags().String("name", "", "document name (default: file name)")
	cmd.Flags().String("type", "", "content type override")
	return cmd
}

func docsDownloadCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <patient> <content-id>",
		Short: "Fetch one of a patient's documents by content id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, err := parseAddressArg(args[0])
			if err != nil {
				return err
			}
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			viewer, err := service.ViewerFor(cmd.Context(), a.ledger, a.account)
			if err != nil {
				return err
			}
			data, err := a.records.Download(cmd.Context(), viewer, patient, args[1])
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("output")
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o600)
		},
	}
	cmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	return cmd
}

func docsCommentCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "comment <patient> <document-id> <text>...",
		Short: "Append a comment to a patient's document",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, err := parseAddressArg(args[0])
			if err != nil {
				return err
			}
			a, err := c.writer(cmd.Context())
			if err != nil {
				return err
			}
			cm, r, err := a.records.AddComment(cmd.Context(), a.account, patient, args[1], strings.Join(args[2:], " "))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"comment": cm, "receipt": r})
		},
	}
}
