package main

import (
	"flag"
	"os"

	"cloud.google.com/go/bigquery"
	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/netdiag/pkg/speedtest/model"
)

var netdiagSchema string

func init() {
	flag.StringVar(&netdiagSchema, "netdiag", "/var/spool/datatypes/netdiag.json", "filename to write netdiag schema")
}

func main() {
	flag.Parse()
	// Generate and save the schema of the files written by netdiag-client
	// -output, for autoloading.
	sch, err := bigquery.InferSchema(model.Summary{})
	rtx.Must(err, "failed to generate netdiag schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal netdiag schema")
	err = os.WriteFile(netdiagSchema, b, 0o644)
	rtx.Must(err, "failed to write netdiag schema")
}
