// Command amlimg inspects a composite "aml_upgrade_package.img" file
// without attempting to flash it: listing its items, decoding its
// platform descriptor, and dumping a partition's verify string.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/jethome-iot/amlboot/internal/image"
	"github.com/jethome-iot/amlboot/internal/platform"
)

type commonOptions struct {
	Image string `long:"img" description:"composite image to inspect" required:"true"`
}

type listCmd struct {
	commonOptions
}

type platformCmd struct {
	commonOptions
}

type verifyCmd struct {
	commonOptions
	Partition string `long:"partition" description:"partition sub_type to show the verify string for" required:"true"`
}

func (c *listCmd) Execute(args []string) error {
	pack, err := image.Open(c.Image)
	if err != nil {
		return err
	}
	defer pack.Close()

	h := pack.Header()
	fmt.Printf("version=%d size=%d item_count=%d\n", h.Version, h.Size, h.ItemCount)
	for _, it := range pack.Items("", "", nil) {
		fmt.Printf("%-12s %-20s %10d bytes  type=%-7s verify=%v\n",
			it.MainType(), it.SubType(), it.Size(), it.FileType(), it.IsVerify())
	}
	return nil
}

func (c *platformCmd) Execute(args []string) error {
	pack, err := image.Open(c.Image)
	if err != nil {
		return err
	}
	defer pack.Close()

	item, err := pack.ItemGet("conf", "platform")
	if err != nil {
		return fmt.Errorf("image carries no conf/platform item: %w", err)
	}
	data, err := item.ReadAll()
	if err != nil {
		return err
	}
	desc, err := platform.Parse(data, slog.Default())
	if err != nil {
		return err
	}
	fmt.Printf("%+v\n", desc)
	return nil
}

func (c *verifyCmd) Execute(args []string) error {
	pack, err := image.Open(c.Image)
	if err != nil {
		return err
	}
	defer pack.Close()

	item, err := pack.ItemGet("VERIFY", c.Partition)
	if err != nil {
		return fmt.Errorf("no VERIFY item for partition %q: %w", c.Partition, err)
	}
	data, err := item.ReadAll()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

type rootOptions struct{}

func main() {
	var root rootOptions
	parser := flags.NewParser(&root, flags.Default)
	parser.AddCommand("list", "list every item in the image", "", &listCmd{})
	parser.AddCommand("platform", "decode the conf/platform descriptor", "", &platformCmd{})
	parser.AddCommand("verify", "show a partition's verify string", "", &verifyCmd{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
