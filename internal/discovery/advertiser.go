package discovery

import (
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// Publisher is the narrow mDNS-library surface the Advertiser drives;
// internal/discovery itself stays library-agnostic so tests can substitute
// a recording fake instead of binding real multicast sockets.
type Publisher interface {
	Publish(instance string, advert Advertisement) error
	Retract() error
}

// Advertiser owns the periodic re-advertise schedule and the LAN/wide-area
// publication decision, per spec.md §4.8.
type Advertiser struct {
	mu       sync.Mutex
	pub      Publisher
	cfg      models.DiscoveryConfig
	home     string
	advert   Advertisement
	serial   int
	cronSvc  *cron.Cron
	lastBody string
}

func New(pub Publisher, cfg models.DiscoveryConfig, home string, advert Advertisement) *Advertiser {
	return &Advertiser{pub: pub, cfg: cfg, home: home, advert: advert, serial: 1}
}

// multicastDisabled reports spec.md §4.8's opt-out: EPILOOP_DISABLE_BONJOUR=1
// or running under tests (`go test` sets -test.v/-test.run in os.Args, but
// the explicit env var is the portable signal this checks).
func multicastDisabled() bool {
	return os.Getenv("EPILOOP_DISABLE_BONJOUR") == "1"
}

// Advertise runs one publish cycle: multicast (unless disabled) plus, when
// wide-area is enabled and a tailnet IPv4 is available, a unicast DNS-SD
// zone rewrite.
func (a *Advertiser) Advertise(tailnetIPv4, hostLabel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !multicastDisabled() {
		instance := FormatInstanceName(a.advert.DisplayName)
		if err := a.pub.Publish(instance, a.advert); err != nil {
			log.Warn().Err(err).Msg("mdns publish failed")
		}
	}

	if !a.cfg.WideArea.Enabled || !HasPrimaryTailnetIPv4(tailnetIPv4) {
		return nil
	}

	zoneInput := ZoneInput{
		GatewayPort: a.advert.GatewayPort,
		DisplayName: a.advert.DisplayName,
		TailnetIPv4: tailnetIPv4,
		HostLabel:   hostLabel,
		Advert:      a.advert,
	}

	body, err := renderZoneBody(zoneInput)
	if err != nil {
		return err
	}
	// The serial only advances when the advertised service itself changed
	// (body differs from the last render); comparing the serial-bearing
	// output would make every rewrite look "changed" since the previous
	// bump is baked into last time's content. See spec.md §8.
	if body != a.lastBody {
		a.serial++
		a.lastBody = body
	}

	zoneInput.Serial = a.serial
	zone, err := RenderZone(zoneInput)
	if err != nil {
		return err
	}

	changed, err := WriteZoneIfChanged(DefaultZonePath(a.home), zone)
	if err != nil {
		return err
	}
	if changed {
		log.Info().Int("serial", a.serial).Msg("wide-area DNS-SD zone updated")
	}
	return nil
}

// StartPeriodic schedules Advertise to re-run on schedule (default every 5
// minutes, matching typical mDNS TTL refresh cadence) using robfig/cron,
// until Stop is called.
func (a *Advertiser) StartPeriodic(schedule string, tailnetIPv4, hostLabel string) error {
	if schedule == "" {
		schedule = "@every 5m"
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := a.Advertise(tailnetIPv4, hostLabel); err != nil {
			log.Warn().Err(err).Msg("periodic re-advertise failed")
		}
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.cronSvc = c
	a.mu.Unlock()
	c.Start()
	return nil
}

// Stop halts periodic re-advertisement and retracts the multicast
// advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	c := a.cronSvc
	a.mu.Unlock()
	if c != nil {
		ctx := c.Stop()
		<-ctx.Done()
	}
	if err := a.pub.Retract(); err != nil {
		log.Warn().Err(err).Msg("mdns retract failed")
	}
}

// Status reports the cron job's schedule for `discovery status` diagnostics.
func (a *Advertiser) Status(id string, schedule string, next time.Time) models.CronStatus {
	return models.CronStatus{Jobs: []models.CronJobStatus{{ID: id, Schedule: schedule, NextRun: next}}}
}
