package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/flowbaker/flowguard/internal/initialization"
	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/vault"

	"github.com/spf13/cobra"
)

const cliActor = "cli"

func NewCredentialsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored credentials",
		Long:  `Create, rotate and describe credentials in the configured store. Secrets are read from stdin and never printed.`,
	}

	cmd.AddCommand(newCredentialsDescribeCommand(opts))
	cmd.AddCommand(newCredentialsCreateCommand(opts))
	cmd.AddCommand(newCredentialsRotateCommand(opts))

	return cmd
}

func newCredentialsDescribeCommand(opts *rootOptions) *cobra.Command {
	var workflowID string

	cmd := &cobra.Command{
		Use:   "describe",
		Short: "List credential metadata without secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDependencies(cmd.Context(), opts, func(deps *initialization.Dependencies) error {
				descriptions, err := deps.Vault.DescribeCredentials(cmd.Context(), accessFor(workflowID))
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), descriptions)
			})
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "Only show credentials visible to this workflow")

	return cmd
}

func newCredentialsCreateCommand(opts *rootOptions) *cobra.Command {
	var params vault.CreateCredentialParams
	var workflowIDs []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a secret credential, reading the secret from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}

			params.Secret = secret
			params.Actor = cliActor
			if len(workflowIDs) > 0 {
				scope := domain.WorkflowScope(workflowIDs...)
				params.Scope = &scope
			}

			return withDependencies(cmd.Context(), opts, func(deps *initialization.Dependencies) error {
				credential, err := deps.Vault.CreateCredential(cmd.Context(), params)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), domain.DescribeCredential(credential))
			})
		},
	}

	cmd.Flags().StringVar(&params.Name, "name", "", "Credential name")
	cmd.Flags().StringVar(&params.Provider, "provider", "", "Provider the credential belongs to")
	cmd.Flags().StringSliceVar(&params.Scopes, "scopes", nil, "Provider scopes granted to the credential")
	cmd.Flags().StringSliceVar(&workflowIDs, "workflow", nil, "Workflow ids allowed to use the credential (default: unrestricted)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newCredentialsRotateCommand(opts *rootOptions) *cobra.Command {
	var workflowID string

	cmd := &cobra.Command{
		Use:   "rotate <credential-id>",
		Short: "Replace a credential's secret, reading the new secret from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}

			return withDependencies(cmd.Context(), opts, func(deps *initialization.Dependencies) error {
				credential, err := deps.Vault.RotateSecret(cmd.Context(), accessFor(workflowID), args[0], secret, cliActor)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), domain.DescribeCredential(credential))
			})
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "Rotate as this workflow instead of with unrestricted access")

	return cmd
}

func withDependencies(ctx context.Context, opts *rootOptions, fn func(deps *initialization.Dependencies) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	container, err := opts.container()
	if err != nil {
		return err
	}

	deps, err := container.BuildDependencies(ctx)
	if err != nil {
		return err
	}

	runErr := fn(deps)

	if err := deps.Close(ctx); err != nil && runErr == nil {
		return err
	}

	return runErr
}

func accessFor(workflowID string) domain.AccessContext {
	if workflowID == "" {
		return domain.AdminAccess(cliActor)
	}

	return domain.WorkflowAccess(workflowID, cliActor)
}

func readSecret(r io.Reader) ([]byte, error) {
	secret, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from stdin: %w", err)
	}

	secret = bytes.TrimRight(secret, "\r\n")
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret read from stdin is empty")
	}

	return secret, nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}
