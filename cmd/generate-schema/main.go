// Command generate-schema writes the JSON schema of the stratafs
// configuration file, for editor completion and CI validation of config.yaml.
//
// Usage:
//
//	generate-schema [-o config.schema.json]
//
// "-o -" writes to stdout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/marmos91/stratafs/pkg/config"
	"github.com/marmos91/stratafs/pkg/plugin"
)

const schemaID = "https://github.com/marmos91/stratafs/config.schema.json"

func main() {
	output := flag.String("o", "config.schema.json", "output file, - for stdout")
	flag.Parse()

	data, err := json.MarshalIndent(generate(), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling schema: %v\n", err)
		os.Exit(1)
	}
	data = append(data, '\n')

	if *output == "-" {
		_, _ = os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(*output, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing schema file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("JSON schema written to %s\n", *output)
}

// generate reflects config.Config using the yaml field names the loader
// reads, and restricts resource types to the compiled-in plugins.
func generate() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = schemaID
	schema.Title = "StrataFS Configuration"
	schema.Description = "Server identity, plugin loading, catalog, redirection and resource topology of a stratafs server"

	if resources, ok := schema.Properties.Get("resources"); ok && resources.Items != nil {
		if typ, ok := resources.Items.Properties.Get("type"); ok {
			// Types loaded from plugins.directory are not known here.
			for _, tag := range plugin.Registered() {
				typ.Examples = append(typ.Examples, tag)
			}
		}
	}
	return schema
}
