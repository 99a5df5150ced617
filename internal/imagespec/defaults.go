package imagespec

// Default returns the Build Specification of the real-time video server:
// toolkit base, system packages, locked dependencies, the attention kernel
// compiled with GPU access, three model payloads and finally the source tree.
func Default() Spec {
	return Spec{
		Tag: "krea-realtime-video:latest",
		Steps: []Step{
			{
				Name: "base",
				Kind: KindBase,
				Base: &Base{
					Image: "nvidia/cuda",
					Toolkit: Toolkit{
						Version: "12.8.1",
						Flavor:  "devel",
						OS:      "ubuntu22.04",
					},
					Python:          "3.11",
					ClearEntrypoint: true,
				},
			},
			{
				Name:     "system-packages",
				Kind:     KindPackages,
				Packages: []string{"ffmpeg", "git", "build-essential"},
			},
			{
				Name: "locked-dependencies",
				Kind: KindLock,
				GPU:  "b200",
				Lock: &Lock{
					ProjectDir: ".",
					Manifest:   "pyproject.toml",
					LockFile:   "uv.lock",
					Frozen:     true,
				},
			},
			{
				Name: "hf-transfer",
				Kind: KindPip,
				Pip:  &Pip{Packages: []string{"hf-transfer"}},
			},
			{
				Name: "flash-attn",
				Kind: KindNative,
				GPU:  "b200",
				Pip: &Pip{
					Packages:     []string{"flash-attn"},
					ExtraOptions: []string{"--no-build-isolation"},
				},
			},
			{
				Name: "fast-downloads",
				Kind: KindEnv,
				Env:  map[string]string{"HF_HUB_ENABLE_HF_TRANSFER": "1"},
			},
			{
				Name: "wan-1.3b",
				Kind: KindDownload,
				GPU:  "b200",
				Download: &Download{
					Store:      StoreHub,
					Artifact:   "Wan-AI/Wan2.1-T2V-1.3B",
					Dest:       "/root/wan_models/Wan2.1-T2V-1.3B",
					NoSymlinks: true,
				},
			},
			{
				Name: "wan-14b",
				Kind: KindDownload,
				GPU:  "b200",
				Download: &Download{
					Store:      StoreHub,
					Artifact:   "Wan-AI/Wan2.1-T2V-14B",
					Dest:       "/root/wan_models/Wan2.1-T2V-14B",
					NoSymlinks: true,
				},
			},
			{
				Name: "realtime-checkpoint",
				Kind: KindDownload,
				GPU:  "b200",
				Download: &Download{
					Store:    StoreHub,
					Artifact: "krea/krea-realtime-video",
					Files:    []string{"krea-realtime-video-14b.safetensors"},
					Dest:     "/root/checkpoints",
				},
			},
			{
				Name: "app-source",
				Kind: KindSource,
				Source: &Source{
					LocalDir:   ".",
					RemotePath: "/root/app",
					Ignore: []string{
						"__pycache__",
						".git",
						"*.pyc",
						"outputs",
						"wan_models",
						"checkpoints",
						".venv",
						"uv.lock",
						"*.lock",
						".vidforge",
					},
				},
			},
		},
	}
}
