/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// bootsim is a cobra-based CLI that exercises the image lifecycle
// engine against a simulated flash device: creating signed images,
// marking images pending/confirmed, inspecting
// trailer state, and dumping a parsed image's header and TLVs. It
// plays the same role against this engine that `newt` itself plays
// against a target build.
package main

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mynewt.apache.org/mcuboot/artifact/flash"
	"mynewt.apache.org/mcuboot/artifact/image"
	"mynewt.apache.org/mcuboot/boot/trailer"
	"mynewt.apache.org/mcuboot/sim/flashsim"
	"mynewt.apache.org/mcuboot/util"
)

var (
	flagVersion    string
	flagKeyFile    string
	flagOutFile    string
	flagAreaSize   int
	flagAreaOff    int
	flagSlot       int
	flagEncrypted  bool
	flagAlign      int
	flagSectorSize int
)

func main() {
	if err := util.Init(logrus.InfoLevel, "", util.VERBOSITY_DEFAULT); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "bootsim",
		Short: "Exercise the image lifecycle engine against a simulated flash device",
	}

	root.AddCommand(newCreateImageCmd())
	root.AddCommand(newDumpCmd())
	root.AddCommand(newReadSwapStateCmd())
	root.AddCommand(newMarkCmd("mark-pending", trailer.SwapTypeTest))
	root.AddCommand(newMarkCmd("mark-confirmed", trailer.SwapTypePerm))

	if err := root.Execute(); err != nil {
		util.ErrorMessage(util.VERBOSITY_QUIET, "%s\n", err.Error())
		os.Exit(1)
	}
}

func newCreateImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-image <body-file>",
		Short: "Build a signed image from a raw binary body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vers, err := image.ParseVersion(flagVersion)
			if err != nil {
				return err
			}

			opts := image.ImageCreateOpts{
				SrcBinFilename: args[0],
				Version:        vers,
			}

			if flagKeyFile != "" {
				key, err := image.ReadKey(flagKeyFile)
				if err != nil {
					return err
				}
				opts.SigKeys = append(opts.SigKeys, key)
			}

			img, err := image.GenerateImage(opts)
			if err != nil {
				return err
			}

			out, err := os.Create(flagOutFile)
			if err != nil {
				return util.FmtNewtError("error creating output file: %s", err.Error())
			}
			defer out.Close()

			n, err := img.Write(out)
			if err != nil {
				return err
			}

			util.StatusMessage(util.VERBOSITY_DEFAULT,
				"wrote %d bytes to %s\n", n, flagOutFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagVersion, "version", "0.0.0.0", "image version (major.minor.rev.build)")
	cmd.Flags().StringVar(&flagKeyFile, "key", "", "PEM-encoded signing key")
	cmd.Flags().StringVar(&flagOutFile, "out", "image.bin", "output image file")
	return cmd
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <image-file>",
		Short: "Parse an image and print its header and TLVs as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := ioutil.ReadFile(args[0])
			if err != nil {
				return util.FmtNewtError("error reading image file: %s", err.Error())
			}

			img, err := image.ParseImage(data)
			if err != nil {
				return err
			}

			js, err := img.Json()
			if err != nil {
				return err
			}

			fmt.Println(js)
			return nil
		},
	}
	return cmd
}

// simDeviceFromFile opens (or creates, if absent) a flat file as a
// single simulated flash device with one area spanning the whole
// file, so the CLI's trailer-inspecting commands can operate on a
// plain binary dump without requiring a full multi-slot flash map.
func simDeviceFromFile(path string, size int) (*flashsim.Map, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, util.FmtNewtError("error reading flash file: %s", err.Error())
		}
		data = make([]byte, size)
		for i := range data {
			data[i] = flashsim.DefaultErasedByte
		}
	}

	align := flagAlign
	if align <= 0 {
		align = 1
	}
	sectorSize := flagSectorSize
	if sectorSize <= 0 {
		sectorSize = 4096
	}

	dev := flashsim.NewDevice(0, len(data), align, sectorSize, flashsim.DefaultErasedByte)
	if err := dev.Write(0, data); err != nil {
		return nil, err
	}

	return flashsim.NewMap(nil, map[int]*flashsim.Device{0: dev}), nil
}

func areaLayout(m *flashsim.Map, area flash.FlashArea) (trailer.Layout, error) {
	sectorSize := flagSectorSize
	if sectorSize <= 0 {
		sectorSize = 4096
	}
	return trailer.LayoutFor(m, area, sectorSize, flagEncrypted)
}

func newReadSwapStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read-swap-state <flash-file>",
		Short: "Print the trailer swap state of a simulated flash area",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := simDeviceFromFile(args[0], flagAreaSize)
			if err != nil {
				return err
			}

			area := areaFromFlags()
			layout, err := areaLayout(m, area)
			if err != nil {
				return err
			}
			st, err := trailer.Read(m, area, layout)
			if err != nil {
				return err
			}

			util.StatusMessage(util.VERBOSITY_DEFAULT,
				"magic=%s swap_type=%s image_num=%d copy_done=%v image_ok=%v swap_size=%d resume_at=%d\n",
				st.Magic, st.SwapType, st.ImageNum, st.CopyDone, st.ImageOk, st.SwapSize,
				trailer.ResumePoint(st.Status))
			return nil
		},
	}

	cmd.Flags().IntVar(&flagAreaSize, "area-size", 128*1024, "flash area size in bytes")
	cmd.Flags().IntVar(&flagAreaOff, "area-offset", 0, "flash area offset in bytes")
	cmd.Flags().IntVar(&flagAlign, "align", 1, "device write alignment in bytes")
	cmd.Flags().IntVar(&flagSectorSize, "sector-size", 4096, "device erase sector size in bytes")
	cmd.Flags().BoolVar(&flagEncrypted, "encrypted", false, "assume an encrypted-image trailer layout")
	return cmd
}

func newMarkCmd(use string, swapType trailer.SwapType) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <flash-file>",
		Short: "Write a " + use + " trailer into a simulated flash area",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := simDeviceFromFile(args[0], flagAreaSize)
			if err != nil {
				return err
			}

			area := areaFromFlags()
			layout, err := areaLayout(m, area)
			if err != nil {
				return err
			}
			st, err := trailer.Read(m, area, layout)
			if err != nil {
				return err
			}

			st.SwapType = swapType
			st.ImageNum = uint8(flagSlot)

			if err := trailer.Write(m, area, st, layout); err != nil {
				return err
			}

			raw, err := m.ReadArea(area, 0, area.Size)
			if err != nil {
				return err
			}
			if err := ioutil.WriteFile(args[0], raw, 0644); err != nil {
				return util.FmtNewtError("error writing flash file: %s", err.Error())
			}

			util.StatusMessage(util.VERBOSITY_DEFAULT, "wrote %s trailer\n", use)
			return nil
		},
	}

	cmd.Flags().IntVar(&flagAreaSize, "area-size", 128*1024, "flash area size in bytes")
	cmd.Flags().IntVar(&flagAreaOff, "area-offset", 0, "flash area offset in bytes")
	cmd.Flags().IntVar(&flagSlot, "image-num", 0, "target image number")
	cmd.Flags().IntVar(&flagAlign, "align", 1, "device write alignment in bytes")
	cmd.Flags().IntVar(&flagSectorSize, "sector-size", 4096, "device erase sector size in bytes")
	cmd.Flags().BoolVar(&flagEncrypted, "encrypted", false, "assume an encrypted-image trailer layout")
	return cmd
}

func areaFromFlags() flash.FlashArea {
	return flash.FlashArea{
		Name:   flash.FLASH_AREA_NAME_IMAGE_0,
		Id:     0,
		Device: 0,
		Offset: flagAreaOff,
		Size:   flagAreaSize,
	}
}
