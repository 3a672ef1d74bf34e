// detourbox manifest generator: YAML scope description -> binary payload

package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/manifest"
	"github.com/detourbox/detourbox/policy"
)

//
// YAML layout:
//
//   debug: false
//   injectionTimeoutMinutes: 30
//   flags: [FailUnexpectedFileAccesses, ReportUnexpectedFileAccesses]
//   pipId: 0x1234
//   internalErrorFile: C:\logs\errors.txt
//   report:
//     path: C:\logs\report.txt
//   translations:
//     - { from: 'B:\', to: 'C:\real\' }
//   breakaway:
//     - { image: mspdbsrv.exe }
//   shim:
//     path: C:\bx\shim.exe
//     all: false
//     matches:
//       - { image: cl.exe, args: /analyze }
//   scopes:
//     - { path: 'C:\src', flags: [AllowRead, ReportAccessIfExistent] }
//     - { path: 'C:\out', flags: [AllowWrite, ReportAccess] }
//

type yamlManifest struct {
	Debug                   bool   `yaml:"debug"`
	InjectionTimeoutMinutes uint32 `yaml:"injectionTimeoutMinutes"`
	Flags                   []string `yaml:"flags"`
	ExtraFlags              uint32 `yaml:"extraFlags"`
	PipId                   uint64 `yaml:"pipId"`
	InternalErrorFile       string `yaml:"internalErrorFile"`

	Report struct {
		Path   string `yaml:"path"`
		Handle uint64 `yaml:"handle"`
	} `yaml:"report"`

	Translations []struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"translations"`

	Breakaway []struct {
		Image      string `yaml:"image"`
		Args       string `yaml:"args"`
		IgnoreCase bool   `yaml:"ignoreCase"`
	} `yaml:"breakaway"`

	Shim struct {
		Path     string `yaml:"path"`
		All      bool   `yaml:"all"`
		Plugin32 string `yaml:"plugin32"`
		Plugin64 string `yaml:"plugin64"`
		Matches  []struct {
			Image string `yaml:"image"`
			Args  string `yaml:"args"`
		} `yaml:"matches"`
	} `yaml:"shim"`

	Scopes []struct {
		Path  string   `yaml:"path"`
		Flags []string `yaml:"flags"`
		Usn   *uint64  `yaml:"usn"`
	} `yaml:"scopes"`
}

var globalFlagNames = map[string]manifest.Flags{
	"FailUnexpectedFileAccesses":         manifest.FailUnexpectedFileAccesses,
	"ReportFileAccesses":                 manifest.ReportFileAccesses,
	"ReportUnexpectedFileAccesses":       manifest.ReportUnexpectedFileAccesses,
	"ExplicitlyReportDirectoryProbes":    manifest.ExplicitlyReportDirectoryProbes,
	"ForceReadOnlyForRequestedReadWrite": manifest.ForceReadOnlyForRequestedReadWrite,
	"IgnoreReparsePoints":                manifest.IgnoreReparsePoints,
	"EnableFullReparsePointResolving":    manifest.EnableFullReparsePointResolving,
	"MonitorChildProcesses":              manifest.MonitorChildProcesses,
	"MonitorNtCreateFile":                manifest.MonitorNtCreateFile,
	"MonitorZwCreateOpenQueryFile":       manifest.MonitorZwCreateOpenQueryFile,
	"UseExtraThreadToDrainNtClose":       manifest.UseExtraThreadToDrainNtClose,
	"DoNotForceShareReadDelete":          manifest.DoNotForceShareReadDelete,
	"LogProcessData":                     manifest.LogProcessData,
	"NormalizeReadTimestamps":            manifest.NormalizeReadTimestamps,
}

var policyFlagNames = map[string]policy.Flags{
	"AllowRead":                        policy.AllowRead,
	"AllowReadIfNonexistent":           policy.AllowReadIfNonexistent,
	"AllowWrite":                       policy.AllowWrite,
	"AllowSymlinkCreation":             policy.AllowSymlinkCreation,
	"AllowCreateDirectory":             policy.AllowCreateDirectory,
	"AllowAll":                         policy.AllowAll,
	"ReportAccess":                     policy.ReportAccess,
	"ReportAccessIfExistent":           policy.ReportAccessIfExistent,
	"ReportAccessIfNonexistent":        policy.ReportAccessIfNonexistent,
	"ReportDirectoryEnumeration":       policy.ReportDirectoryEnumeration,
	"OverrideTimestamps":               policy.OverrideTimestamps,
	"EnableFullReparsePointParsing":    policy.EnableFullReparsePointParsing,
	"TreatDirectorySymlinkAsDirectory": policy.TreatDirectorySymlinkAsDirectory,
	"IndicateUntracked":                policy.IndicateUntracked,
}

func buildState(ym *yamlManifest) (*manifest.State, error) {

	s := &manifest.State{
		DebugFlag:               ym.Debug,
		InjectionTimeoutMinutes: ym.InjectionTimeoutMinutes,
		InternalErrorFile:       ym.InternalErrorFile,
		ExtraFlags:              ym.ExtraFlags,
		PipID:                   ym.PipId,
	}
	if s.InjectionTimeoutMinutes == 0 {
		s.InjectionTimeoutMinutes = manifest.MinInjectionTimeoutMinutes
	}

	for _, name := range ym.Flags {
		fl, ok := globalFlagNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown global flag %q", name)
		}
		s.Flags |= fl
	}

	var tuples []manifest.TranslateTuple
	for _, tr := range ym.Translations {
		tuples = append(tuples, manifest.TranslateTuple{
			From: tr.From, To: tr.To})
	}
	s.Translations = manifest.NewTranslateTable(tuples)

	for _, b := range ym.Breakaway {
		s.Breakaways = append(s.Breakaways, domain.BreakawayDescriptor{
			ImageName:      b.Image,
			RequiredArgs:   b.Args,
			ArgsIgnoreCase: b.IgnoreCase,
		})
	}

	if ym.Report.Handle != 0 {
		s.Report = manifest.ReportDescriptor{
			Present: true, IsHandle: true, Handle: ym.Report.Handle}
	} else if ym.Report.Path != "" {
		s.Report = manifest.ReportDescriptor{
			Present: true, Path: ym.Report.Path}
	}

	shimCfg := &domain.ShimSettings{
		ShimAllProcesses: ym.Shim.All,
		ShimPath:         ym.Shim.Path,
		PluginDll32:      ym.Shim.Plugin32,
		PluginDll64:      ym.Shim.Plugin64,
	}
	for _, m := range ym.Shim.Matches {
		shimCfg.Matches = append(shimCfg.Matches, domain.ShimMatch{
			ImageName: m.Image, Args: m.Args})
	}
	s.Shim = shimCfg

	root := policy.NewRoot()
	for _, sc := range ym.Scopes {
		var flags policy.Flags
		for _, name := range sc.Flags {
			fl, ok := policyFlagNames[name]
			if !ok {
				return nil, fmt.Errorf("unknown policy flag %q in scope %s",
					name, sc.Path)
			}
			flags |= fl
		}

		cur := root
		atoms := splitScopePath(sc.Path)
		for i, a := range atoms {
			next := cur.FindChild(a)
			if next == nil {
				next = cur.AddChild(
					policy.NewRecord(a, policy.FlagNone, policy.FlagNone))
			}
			if i == len(atoms)-1 {
				next.NodePolicy = flags
				next.ConePolicy = flags
				if sc.Usn != nil {
					next.SetUsn(*sc.Usn)
				}
			}
			cur = next
		}
	}
	s.Root = root

	return s, nil
}

func splitScopePath(p string) []string {
	p = strings.TrimPrefix(p, `\??\`)
	p = strings.TrimPrefix(p, `\\?\`)
	var atoms []string
	for _, a := range strings.FieldsFunc(p, func(r rune) bool {
		return r == '\\' || r == '/'
	}) {
		if a != "" {
			atoms = append(atoms, a)
		}
	}
	return atoms
}

func main() {

	out := flag.String("o", "manifest.bin", "output payload path")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [-o out.bin] <manifest.yaml>\n",
			os.Args[0])
		os.Exit(1)
	}

	data, err := ioutil.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var ym yamlManifest
	if err := yaml.Unmarshal(data, &ym); err != nil {
		fmt.Fprintf(os.Stderr, "cannot parse %s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}

	st, err := buildState(&ym)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	blob := manifest.Encode(st)
	if err := ioutil.WriteFile(*out, blob, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s (%d bytes, %d scopes)\n",
		*out, len(blob), len(ym.Scopes))
}
