package main

import (
	"fmt"
	"os"

	"github.com/cuemby/brook/internal/document"
	"github.com/cuemby/brook/internal/kvstore"
	"github.com/cuemby/brook/pkg/client"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "brook",
	Short:   "brook is the command-line client for brookd",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("brook version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:4242", "brookd wire protocol address")
	rootCmd.PersistentFlags().String("username", "root", "Username to authenticate as")
	rootCmd.PersistentFlags().String("password", "", "Password to authenticate with")

	rootCmd.AddCommand(databaseCmd, docCmd, kvCmd, userCmd)
	databaseCmd.AddCommand(databaseCreateCmd, databaseListCmd, databaseDeleteCmd)
	docCmd.AddCommand(docInsertCmd, docGetCmd)
	kvCmd.AddCommand(kvSetCmd, kvGetCmd)
	userCmd.AddCommand(userCreateCmd, userSetPasswordCmd)
}

// dial connects to brookd and authenticates using the persistent
// --addr/--username/--password flags shared by every subcommand.
func dial(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")

	c, err := client.Dial(addr)
	if err != nil {
		return nil, err
	}
	if err := c.Authenticate(username, password); err != nil {
		c.Close()
		return nil, fmt.Errorf("authenticate as %q: %w", username, err)
	}
	return c, nil
}

var databaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Manage databases",
}

var databaseCreateCmd = &cobra.Command{
	Use:   "create NAME SCHEMA",
	Short: "Create a database bound to a registered schema",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.CreateDatabase(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("created database %q (schema %q)\n", args[0], args[1])
		return nil
	},
}

var databaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List databases",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		dbs, err := c.ListDatabases()
		if err != nil {
			return err
		}
		for _, db := range dbs {
			fmt.Printf("%s\t%s\n", db.Name, db.Schema)
		}
		return nil
	},
}

var databaseDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a database and its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.DeleteDatabase(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted database %q\n", args[0])
		return nil
	},
}

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Read and write documents",
}

var docInsertCmd = &cobra.Command{
	Use:   "insert DATABASE AUTHORITY COLLECTION CONTENTS",
	Short: "Insert a document, letting the server assign its id",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		doc, err := c.Insert(args[0], args[1], args[2], []byte(args[3]))
		if err != nil {
			return err
		}
		id, _ := doc.ID.Uint64()
		fmt.Printf("inserted id=%d revision=%d\n", id, doc.Revision)
		return nil
	},
}

var docGetCmd = &cobra.Command{
	Use:   "get DATABASE AUTHORITY COLLECTION ID",
	Short: "Fetch a document by its uint64 id",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id uint64
		if _, err := fmt.Sscanf(args[3], "%d", &id); err != nil {
			return fmt.Errorf("invalid id %q: %w", args[3], err)
		}
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		doc, found, err := c.Get(args[0], args[1], args[2], document.NewUint64ID(id))
		if err != nil {
			return err
		}
		if !found {
			fmt.Printf("no document with id %d\n", id)
			return nil
		}
		fmt.Printf("revision=%d contents=%s\n", doc.Revision, doc.Contents)
		return nil
	},
}

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Read and write key-value entries",
}

var kvSetCmd = &cobra.Command{
	Use:   "set DATABASE NAMESPACE KEY VALUE",
	Short: "Set a key-value entry",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if _, err := c.KVSet(args[0], args[1], args[2], kvstore.BytesValue([]byte(args[3]))); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var kvGetCmd = &cobra.Command{
	Use:   "get DATABASE NAMESPACE KEY",
	Short: "Get a key-value entry",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		out, err := c.KVGet(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if !out.HasValue || !out.Found {
			fmt.Println("(no value)")
			return nil
		}
		if out.Value.IsNumeric {
			switch out.Value.Numeric.Kind {
			case kvstore.KindFloat64:
				fmt.Println(out.Value.Numeric.F64)
			case kvstore.KindUint64:
				fmt.Println(out.Value.Numeric.U64)
			default:
				fmt.Println(out.Value.Numeric.I64)
			}
		} else {
			fmt.Println(string(out.Value.Bytes))
		}
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create USERNAME",
	Short: "Create a new user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		id, err := c.CreateUser(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("created user %q (id=%d)\n", args[0], id)
		return nil
	},
}

var userSetPasswordCmd = &cobra.Command{
	Use:   "set-password USERNAME NEWPASSWORD",
	Short: "Set a user's password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.SetUserPassword(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("password updated")
		return nil
	},
}
