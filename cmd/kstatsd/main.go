// Command kstatsd is the host-side metrics exporter for this kernel's
// core subsystems. It is not part of the freestanding kernel build: it
// links against the same mem/proc/ext2 packages a booted kernel would
// use, mounts (or is handed) a live ext2 image, and renders their
// internal counters as Prometheus gauges over HTTP, in the shape of the
// teacher's own previously unwired pprof/prometheus dependencies.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ext2"
	"mem"
	"proc"
)

const namespace = "kstatsd"

// fileDevice adapts an *os.File to ext2.BlockDevice, mirroring
// cmd/mkext2's adapter so both tools share one on-disk contract.
type fileDevice struct{ f *os.File }

func (d *fileDevice) ReadAt(buf []uint8, off int64) error {
	_, err := d.f.ReadAt(buf, off)
	return err
}

func (d *fileDevice) WriteAt(buf []uint8, off int64) error {
	_, err := d.f.WriteAt(buf, off)
	return err
}

// Collector gathers mem/proc/ext2 gauges on every scrape. Grounded on
// talyz-systemd_exporter's systemd.Collector: descriptors built once in
// NewCollector, Collect reads live state and emits const metrics.
type Collector struct {
	fs *ext2.Fs_t

	framesFree  *prometheus.Desc
	framesTotal *prometheus.Desc

	procForks   *prometheus.Desc
	procExits   *prometheus.Desc
	procSignals *prometheus.Desc
	procFaults  *prometheus.Desc
	procRunning *prometheus.Desc

	fsBlocksFree  *prometheus.Desc
	fsBlocksTotal *prometheus.Desc
	fsInodesFree  *prometheus.Desc
	fsInodesTotal *prometheus.Desc
	fsGroups      *prometheus.Desc
}

// NewCollector returns a Collector exporting memory and process
// counters, plus filesystem counters when fs is non-nil.
func NewCollector(fs *ext2.Fs_t) *Collector {
	return &Collector{
		fs: fs,
		framesFree: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mem", "frames_free"),
			"Free physical frames across all zones", nil, nil,
		),
		framesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mem", "frames_total"),
			"Total managed physical frames across all zones", nil, nil,
		),
		procForks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "proc", "forks_total"),
			"Cumulative fork() calls", nil, nil,
		),
		procExits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "proc", "exits_total"),
			"Cumulative process exits", nil, nil,
		),
		procSignals: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "proc", "signals_total"),
			"Cumulative signals delivered", nil, nil,
		),
		procFaults: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "proc", "faults_total"),
			"Cumulative page faults serviced", nil, nil,
		),
		procRunning: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "proc", "running"),
			"Tasks currently in state Running", nil, nil,
		),
		fsBlocksFree: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ext2", "blocks_free"),
			"Free blocks on the mounted ext2 image", nil, nil,
		),
		fsBlocksTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ext2", "blocks_total"),
			"Total blocks on the mounted ext2 image", nil, nil,
		),
		fsInodesFree: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ext2", "inodes_free"),
			"Free inodes on the mounted ext2 image", nil, nil,
		),
		fsInodesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ext2", "inodes_total"),
			"Total inodes on the mounted ext2 image", nil, nil,
		),
		fsGroups: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ext2", "block_groups"),
			"Block groups in the mounted ext2 image", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesFree
	ch <- c.framesTotal
	ch <- c.procForks
	ch <- c.procExits
	ch <- c.procSignals
	ch <- c.procFaults
	ch <- c.procRunning
	if c.fs != nil {
		ch <- c.fsBlocksFree
		ch <- c.fsBlocksTotal
		ch <- c.fsInodesFree
		ch <- c.fsInodesTotal
		ch <- c.fsGroups
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	free, total := mem.Physmem.FreePages()
	ch <- prometheus.MustNewConstMetric(c.framesFree, prometheus.GaugeValue, float64(free))
	ch <- prometheus.MustNewConstMetric(c.framesTotal, prometheus.GaugeValue, float64(total))

	st, running := proc.Stats()
	ch <- prometheus.MustNewConstMetric(c.procForks, prometheus.CounterValue, float64(st.Forks))
	ch <- prometheus.MustNewConstMetric(c.procExits, prometheus.CounterValue, float64(st.Exits))
	ch <- prometheus.MustNewConstMetric(c.procSignals, prometheus.CounterValue, float64(st.Signals))
	ch <- prometheus.MustNewConstMetric(c.procFaults, prometheus.CounterValue, float64(st.Faults))
	ch <- prometheus.MustNewConstMetric(c.procRunning, prometheus.GaugeValue, float64(running))

	if c.fs == nil {
		return
	}
	fst := c.fs.Stats()
	ch <- prometheus.MustNewConstMetric(c.fsBlocksFree, prometheus.GaugeValue, float64(fst.BlocksFree))
	ch <- prometheus.MustNewConstMetric(c.fsBlocksTotal, prometheus.GaugeValue, float64(fst.BlocksTotal))
	ch <- prometheus.MustNewConstMetric(c.fsInodesFree, prometheus.GaugeValue, float64(fst.InodesFree))
	ch <- prometheus.MustNewConstMetric(c.fsInodesTotal, prometheus.GaugeValue, float64(fst.InodesTotal))
	ch <- prometheus.MustNewConstMetric(c.fsGroups, prometheus.GaugeValue, float64(fst.Groups))
}

func main() {
	var listenAddr, imagePath string

	root := &cobra.Command{
		Use:   "kstatsd",
		Short: "Export mem/proc/ext2 counters as Prometheus gauges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(listenAddr, imagePath)
		},
	}
	root.Flags().StringVar(&listenAddr, "listen", ":9400", "address to serve /metrics on")
	root.Flags().StringVar(&imagePath, "image", "", "optional ext2 image to open read-only and export block/inode gauges for")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(listenAddr, imagePath string) error {
	var fs *ext2.Fs_t
	if imagePath != "" {
		f, err := os.Open(imagePath)
		if err != nil {
			return fmt.Errorf("open %s: %w", imagePath, err)
		}
		defer f.Close()
		opened, operr := ext2.Open(&fileDevice{f}, 1)
		if operr != 0 {
			return fmt.Errorf("open %s: %v", imagePath, operr)
		}
		fs = opened
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(fs))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	fmt.Printf("kstatsd: serving /metrics on %s\n", listenAddr)
	return http.ListenAndServe(listenAddr, mux)
}
